package sequencer

// RecallChannel is the channel-wide level of an effect. Templates are built
// once per channel; channel runs of that channel refer to it.
type RecallChannel struct {
	Base
	channel *Channel
}

// NewRecallChannel creates a RecallChannel template for channel.
func NewRecallChannel(channel *Channel, name string, opts ...TemplateOption) *RecallChannel {
	r := &RecallChannel{channel: channel}
	initTemplate(&r.Base, r, KindChannel, name, opts...)
	return r
}

// Channel returns the channel the recall belongs to.
func (r *RecallChannel) Channel() *Channel { return r.channel }

func (r *RecallChannel) clone(id *RecallID) Recall {
	d := &RecallChannel{channel: r.channel}
	r.duplicateInto(&d.Base, d, id)
	return d
}
