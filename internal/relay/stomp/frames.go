// Package stomp encodes and decodes STOMP frames for the relay transports and
// builds the server-side frames (CONNECTED, MESSAGE, RECEIPT, ERROR).
package stomp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"stomprelay.com/pkg/xerr"
)

const (
	ServerName  = "stomp-relay/1.0"
	ContentText = "text/plain;charset=UTF-8"
)

var supported = []string{"1.2", "1.1", "1.0"}

// Negotiate picks the highest version both sides speak. A missing
// accept-version header means a 1.0 client.
func Negotiate(acceptVersion string) (string, error) {
	if strings.TrimSpace(acceptVersion) == "" {
		return "1.0", nil
	}
	offered := make(map[string]struct{}, 3)
	for _, v := range strings.Split(acceptVersion, ",") {
		offered[strings.TrimSpace(v)] = struct{}{}
	}
	for _, v := range supported {
		if _, ok := offered[v]; ok {
			return v, nil
		}
	}
	return "", xerr.Wrap(xerr.ErrBadFrame, xerr.BadFrame, "supported protocol versions are 1.0,1.1,1.2")
}

// Decode reads every frame contained in one transport message. Heart-beat
// newlines are skipped. A websocket message may carry several frames.
func Decode(data []byte) ([]*frame.Frame, error) {
	r := frame.NewReader(bytes.NewReader(data))
	var out []*frame.Frame
	for {
		f, err := r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, xerr.Wrap(xerr.ErrBadFrame, xerr.BadFrame, err.Error())
		}
		if f == nil {
			continue
		}
		out = append(out, f)
	}
}

// Encode renders one frame in wire format.
func Encode(f *frame.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodeTo(&buf, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func EncodeTo(w io.Writer, f *frame.Frame) error {
	if err := frame.NewWriter(w).Write(f); err != nil {
		return fmt.Errorf("stomp encode %s: %w", f.Command, err)
	}
	return nil
}

func Connected(version, session, user string) *frame.Frame {
	return frame.New(frame.CONNECTED,
		frame.Version, version,
		frame.Server, ServerName,
		frame.Session, session,
		"user-name", user,
		frame.HeartBeat, "0,0",
	)
}

// Message builds a MESSAGE frame with a fresh message-id. subID may be empty
// for the implicit private reply.
func Message(dest, subID, body string) *frame.Frame {
	f := frame.New(frame.MESSAGE,
		frame.Destination, dest,
		frame.MessageId, uuid.NewString(),
		frame.ContentType, ContentText,
	)
	if subID != "" {
		f.Header.Set(frame.Subscription, subID)
	}
	f.Body = []byte(body)
	return f
}

func Receipt(id string) *frame.Frame {
	return frame.New(frame.RECEIPT, frame.ReceiptId, id)
}

// Error builds an ERROR frame. receipt is echoed as receipt-id when the
// offending frame asked for one.
func Error(msg, detail, receipt string) *frame.Frame {
	f := frame.New(frame.ERROR,
		frame.Message, msg,
		frame.ContentType, ContentText,
	)
	if receipt != "" {
		f.Header.Set(frame.ReceiptId, receipt)
	}
	f.Body = []byte(detail)
	return f
}

// ReceiptOf returns the receipt header of f, if any.
func ReceiptOf(f *frame.Frame) (string, bool) {
	if f == nil || f.Header == nil {
		return "", false
	}
	v, ok := f.Header.Contains(frame.Receipt)
	return v, ok && v != ""
}
