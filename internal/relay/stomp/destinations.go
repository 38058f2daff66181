package stomp

import "strings"

// Destinations names the well-known destinations of the relay.
type Destinations struct {
	// Broadcast 注册广播的 topic
	Broadcast string `mapstructure:"broadcast"`
	// Reply is the per-user reply destination, subscribed as UserPrefix+Reply.
	Reply      string `mapstructure:"reply"`
	UserPrefix string `mapstructure:"user_prefix"`
	// UserSuffix joins Reply and the connection id in a private address.
	UserSuffix string `mapstructure:"user_suffix"`
	// Register 是应用入口，SEND 到这里触发一次注册
	Register string `mapstructure:"register"`
	// BrokerPrefixes are passed straight through to subscribers.
	BrokerPrefixes []string `mapstructure:"broker_prefixes"`
}

func DefaultDestinations() Destinations {
	return Destinations{
		Broadcast:      "/queue",
		Reply:          "/reply",
		UserPrefix:     "/private",
		UserSuffix:     "-user",
		Register:       "/register",
		BrokerPrefixes: []string{"/queue", "/reply"},
	}
}

// WithDefaults fills empty fields from DefaultDestinations.
func (d Destinations) WithDefaults() Destinations {
	def := DefaultDestinations()
	if d.Broadcast == "" {
		d.Broadcast = def.Broadcast
	}
	if d.Reply == "" {
		d.Reply = def.Reply
	}
	if d.UserPrefix == "" {
		d.UserPrefix = def.UserPrefix
	}
	if d.UserSuffix == "" {
		d.UserSuffix = def.UserSuffix
	}
	if d.Register == "" {
		d.Register = def.Register
	}
	if len(d.BrokerPrefixes) == 0 {
		d.BrokerPrefixes = def.BrokerPrefixes
	}
	return d
}

// UserReply is what a client subscribes to for its private replies.
func (d Destinations) UserReply() string { return d.UserPrefix + d.Reply }

// IsUserDestination reports whether dest is under the user prefix.
func (d Destinations) IsUserDestination(dest string) bool {
	return hasPathPrefix(dest, d.UserPrefix)
}

// IsBroker reports whether dest belongs to the simple broker.
func (d Destinations) IsBroker(dest string) bool {
	for _, p := range d.BrokerPrefixes {
		if hasPathPrefix(dest, p) {
			return true
		}
	}
	return false
}

// hasPathPrefix matches "/queue" and "/queue/x" but not "/queuex".
func hasPathPrefix(dest, prefix string) bool {
	if prefix == "" || !strings.HasPrefix(dest, prefix) {
		return false
	}
	rest := dest[len(prefix):]
	return rest == "" || rest[0] == '/' || strings.HasSuffix(prefix, "/")
}
