package syncapp

import (
	"log/slog"

	"github.com/nikicat/sync-menu/internal/bus"
	dbustypes "github.com/nikicat/sync-menu/internal/dbus"
)

type options struct {
	busAddress string
	dialer     bus.Dialer
	shared     bool
	logger     *slog.Logger
	peerName   string
	watchFlags bus.WatchFlags
}

func defaultOptions() options {
	return options{
		logger:     slog.Default(),
		peerName:   dbustypes.IndicatorBusName,
		watchFlags: bus.WatchAutoStart,
	}
}

// Option configures an App.
type Option func(*options)

// WithBusAddress connects to a private bus at addr instead of the shared
// session bus. The connection is closed when the App is closed.
func WithBusAddress(addr string) Option {
	return func(o *options) { o.busAddress = addr }
}

// WithDialer replaces the connect step entirely. Unless shared is set, the
// connection d returns belongs to the App and is closed with it.
func WithDialer(d bus.Dialer, shared bool) Option {
	return func(o *options) {
		o.dialer = d
		o.shared = shared
	}
}

// WithLogger sets the logger. The App adds a desktop_id attribute.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithPeerName sets the bus name whose appearance triggers Exists.
func WithPeerName(name string) Option {
	return func(o *options) { o.peerName = name }
}

// WithWatchFlags sets the flags used to watch the peer name.
func WithWatchFlags(flags bus.WatchFlags) Option {
	return func(o *options) { o.watchFlags = flags }
}
