package messaging

// Listener observes connection events.
// Embed NopListener to implement only the events you care about.
type Listener interface {
	OnConnecting(server string)
	OnConnected(headers map[string]string)
	OnMessage(f Frame)
	OnSend(destination string, f Frame)
	OnDisconnected()
	OnError(err error)
}

// NopListener ignores every event
type NopListener struct{}

func (NopListener) OnConnecting(string) {}
func (NopListener) OnConnected(map[string]string) {}
func (NopListener) OnMessage(Frame) {}
func (NopListener) OnSend(string, Frame) {}
func (NopListener) OnDisconnected() {}
func (NopListener) OnError(error) {}

// ListenerFactory creates a listener bound to a live connection
type ListenerFactory func(c *Conn) Listener

// Binding attaches a listener to a connection under a name.
// Exactly one of Listener or Factory must be set; use Bind or BindFactory.
type Binding struct {
	Name     string
	Listener Listener
	Factory  ListenerFactory
}

// Bind attaches a ready-made listener
func Bind(name string, l Listener) Binding {
	return Binding{Name: name, Listener: l}
}

// BindFactory attaches a listener created from the connection it is bound to
func BindFactory(name string, f ListenerFactory) Binding {
	return Binding{Name: name, Factory: f}
}

func (b Binding) resolve(c *Conn) (Listener, bool) {
	switch {
	case b.Listener != nil && b.Factory == nil:
		return b.Listener, true
	case b.Factory != nil && b.Listener == nil:
		l := b.Factory(c)
		return l, l != nil
	default:
		return nil, false
	}
}
