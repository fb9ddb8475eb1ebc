package bus

// Factory creates sessions for the URI schemes of one transport.
// Closing a factory closes every session it created.
type Factory interface {
	Name() string
	Schemes() []string
	Publisher(uri string) (Publisher, error)
	Subscriber(uri, topic string, listener MessageListener) (Subscriber, error)
	Requester(uri string, listener MessageListener) (Requester, error)
	Responder(uri string, listener MessageListener) (Responder, error)
	Close() error
}

// SubscribeAll opens a subscriber that receives every topic.
func SubscribeAll(f Factory, uri string, listener MessageListener) (Subscriber, error) {
	return f.Subscriber(uri, "", listener)
}
