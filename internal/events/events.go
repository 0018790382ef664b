// Package events is the in-process notification bus. Mutating object
// operations publish S3-shaped notification records to subscribers after the
// HTTP response has been written, so a subscriber can never observe an event
// for a response the client has not seen.
package events

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Name identifies a notification event type.
type Name string

const (
	ObjectCreatedPut                     Name = "ObjectCreated:Put"
	ObjectCreatedPost                    Name = "ObjectCreated:Post"
	ObjectCreatedCopy                    Name = "ObjectCreated:Copy"
	ObjectCreatedCompleteMultipartUpload Name = "ObjectCreated:CompleteMultipartUpload"
	ObjectRemovedDelete                  Name = "ObjectRemoved:Delete"
)

// Record is the notification payload delivered to subscribers. The shape
// follows the S3 event notification message format, version 2.1.
type Record struct {
	EventVersion string   `json:"eventVersion"`
	EventSource  string   `json:"eventSource"`
	EventTime    string   `json:"eventTime"`
	EventName    Name     `json:"eventName"`
	S3           S3Entity `json:"s3"`
}

type S3Entity struct {
	Bucket BucketEntity `json:"bucket"`
	Object ObjectEntity `json:"object"`
}

type BucketEntity struct {
	Name string `json:"name"`
}

// ObjectEntity carries the object's URI-encoded key. Sequencer is stamped by
// the bus at publish time and orders events on the same bucket.
type ObjectEntity struct {
	Key       string `json:"key"`
	Size      int64  `json:"size"`
	ETag      string `json:"eTag"`
	Sequencer string `json:"sequencer"`
}

const (
	eventVersion    = "2.1"
	eventSource     = "aws:s3"
	eventTimeFormat = "2006-01-02T15:04:05.000Z"
)

// NewRecord builds a Record for the given object. etag is stored unquoted in
// the payload, as the live notification format does, and the key is
// URI-encoded segment by segment so slashes survive.
func NewRecord(name Name, bucket, key string, size int64, etag string, at time.Time) Record {
	if len(etag) >= 2 && etag[0] == '"' && etag[len(etag)-1] == '"' {
		etag = etag[1 : len(etag)-1]
	}
	return Record{
		EventVersion: eventVersion,
		EventSource:  eventSource,
		EventTime:    at.UTC().Format(eventTimeFormat),
		EventName:    name,
		S3: S3Entity{
			Bucket: BucketEntity{Name: bucket},
			Object: ObjectEntity{Key: encodeKey(key), Size: size, ETag: etag},
		},
	}
}

func encodeKey(key string) string {
	segs := strings.Split(key, "/")
	for i, s := range segs {
		segs[i] = url.QueryEscape(s)
	}
	return strings.Join(segs, "/")
}

// subscriberBuffer bounds how many undelivered records a slow subscriber may
// hold before the oldest is dropped.
const subscriberBuffer = 64

type subscriber struct {
	ch     chan Record
	closed bool
}

// Bus fans records out to subscribers. Publish never blocks: a subscriber
// that falls more than subscriberBuffer records behind loses its oldest
// pending records. Records published from the same goroutine are delivered
// to each subscriber in publish order.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	seq    map[string]uint64
	nextID int
	logger *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{subs: make(map[int]*subscriber), seq: make(map[string]uint64), logger: logger}
}

// Subscribe registers a new subscriber and returns its delivery channel plus
// a cancel function. Cancel is idempotent and never blocks; after cancel the
// channel is closed once any pending records have been discarded.
func (b *Bus) Subscribe() (<-chan Record, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan Record, subscriberBuffer)}
	b.subs[id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok && !s.closed {
			s.closed = true
			delete(b.subs, id)
			// Drain so close cannot strand buffered records for a reader
			// that already went away.
			for {
				select {
				case <-s.ch:
				default:
					close(s.ch)
					return
				}
			}
		}
	}
	return sub.ch, cancel
}

// Publish stamps rec with the bucket's next sequencer value and delivers it
// to every live subscriber.
func (b *Bus) Publish(rec Record) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq[rec.S3.Bucket.Name]++
	rec.S3.Object.Sequencer = fmt.Sprintf("%016X", b.seq[rec.S3.Bucket.Name])

	for _, sub := range b.subs {
		for {
			select {
			case sub.ch <- rec:
			default:
				// Buffer full: drop the oldest pending record and retry.
				select {
				case dropped := <-sub.ch:
					b.logger.Warn("dropping event for slow subscriber",
						"event", dropped.EventName,
						"bucket", dropped.S3.Bucket.Name,
						"key", dropped.S3.Object.Key)
				default:
				}
				continue
			}
			break
		}
	}
}

// SubscriberCount reports how many subscribers are registered.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
