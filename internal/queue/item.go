// Package queue is the durable work-queue backbone: named queues over a
// persistent broker, two enqueue disciplines (ordinary long-budget and
// tracked short-budget with escalation), a polling dispatcher with bounded
// concurrency, and deterministic destination sharding.
package queue

import (
	"encoding/json"
	"errors"

	"github.com/arbormail/mailflow/internal/message"
)

// Kind tags a work item with the job that consumes it.
type Kind string

const (
	KindParse   Kind = "parse"
	KindRoute   Kind = "route"
	KindPost    Kind = "post"
	KindForward Kind = "forward"
)

// Well-known queue names. Delivery POSTs additionally shard into
// PostQueuePrefix + one hex digit, see HashQueueName.
const (
	QueueMain       = "mail-main"
	QueueRoute      = "mail-route"
	QueueForward    = "mail-forward"
	QueueNotify     = "mail-notify"
	PostQueuePrefix = "mail-post-"

	// DefaultPattern subscribes a worker pool to every mail queue.
	DefaultPattern = "mail-*"
)

// Options is queue-internal bookkeeping persisted with an item. It is
// stripped by the dispatcher before the payload reaches a handler.
type Options struct {
	// PushIfFail escalates the item into the ordinary long retry budget
	// when its short tracked budget is exhausted.
	PushIfFail bool `json:"pushIfFail,omitempty"`
}

// Item is the persisted work item: a kind tag plus the union of per-kind
// payload fields. Which fields are meaningful depends on Job; the jobs
// package narrows an Item into its typed per-kind input.
type Item struct {
	Job          Kind               `json:"job"`
	GUID         string             `json:"guid,omitempty"`
	EML64        string             `json:"eml64,omitempty"`
	Transport    *message.Transport `json:"transport,omitempty"`
	Mail         json.RawMessage    `json:"mail,omitempty"`
	Request      *message.Request   `json:"request,omitempty"`
	QueueOptions *Options           `json:"queueOptions,omitempty"`
}

// ErrDrop marks an item that cannot possibly succeed on retry (no payload,
// unknown kind, unresolvable GUID). The dispatcher acknowledges and drops
// such items instead of burning retry budget on them.
var ErrDrop = errors.New("unprocessable item dropped")

// Encode marshals the item for the broker.
func (it Item) Encode() ([]byte, error) {
	return json.Marshal(it)
}

// DecodeItem unmarshals broker data back into an item.
func DecodeItem(data []byte) (Item, error) {
	var it Item
	if err := json.Unmarshal(data, &it); err != nil {
		return Item{}, err
	}
	return it, nil
}
