package agenda

// Listener observes the agenda. Calls happen synchronously on the
// session's goroutine; implementations must not call back into the
// session.
type Listener interface {
	ActivationCreated(act *Activation)
	ActivationCancelled(act *Activation)
	BeforeFire(act *Activation)
	AfterFire(act *Activation, err error)
}

// NopListener ignores every event. Embed it to implement a subset.
type NopListener struct{}

func (NopListener) ActivationCreated(*Activation)   {}
func (NopListener) ActivationCancelled(*Activation) {}
func (NopListener) BeforeFire(*Activation)          {}
func (NopListener) AfterFire(*Activation, error)    {}

// Listeners fans events out in order.
type Listeners []Listener

func (ls Listeners) ActivationCreated(act *Activation) {
	for _, l := range ls {
		l.ActivationCreated(act)
	}
}

func (ls Listeners) ActivationCancelled(act *Activation) {
	for _, l := range ls {
		l.ActivationCancelled(act)
	}
}

func (ls Listeners) BeforeFire(act *Activation) {
	for _, l := range ls {
		l.BeforeFire(act)
	}
}

func (ls Listeners) AfterFire(act *Activation, err error) {
	for _, l := range ls {
		l.AfterFire(act, err)
	}
}
