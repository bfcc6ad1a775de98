package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"openshare/network"
)

var errResponseTimeout = errors.New("transfer: timed out waiting for peer")

// event is one inbound message for a registered transfer.
type event struct {
	control *controlMessage
	data    *dataFrame
}

// mailbox queues inbound events for one transfer.
type mailbox struct {
	id     string
	events chan event
	done   chan struct{}
	once   sync.Once
}

func (b *mailbox) poll() (event, bool) {
	select {
	case ev := <-b.events:
		return ev, true
	default:
		return event{}, false
	}
}

type incomingOffer struct {
	msg controlMessage
	box *mailbox
}

// link owns the single reader of a session and routes frames to transfers by
// transfer ID. Writes go straight to the session, which serializes them.
type link struct {
	session *network.Session
	log     logrus.FieldLogger

	mu    sync.Mutex
	boxes map[string]*mailbox

	offers chan incomingOffer

	closed chan struct{}
	err    error
}

func newLink(session *network.Session, log logrus.FieldLogger, onClose func()) *link {
	l := &link{
		session: session,
		log:     log.WithField("session_id", session.ID),
		boxes:   make(map[string]*mailbox),
		offers:  make(chan incomingOffer, 8),
		closed:  make(chan struct{}),
	}
	go func() {
		l.readLoop()
		onClose()
	}()
	return l
}

func (l *link) register(id string) (*mailbox, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	select {
	case <-l.closed:
		return nil, l.linkErr()
	default:
	}
	if _, exists := l.boxes[id]; exists {
		return nil, fmt.Errorf("transfer %s already registered", id)
	}
	box := &mailbox{id: id, events: make(chan event, 32), done: make(chan struct{})}
	l.boxes[id] = box
	return box, nil
}

func (l *link) unregister(box *mailbox) {
	l.mu.Lock()
	if l.boxes[box.id] == box {
		delete(l.boxes, box.id)
	}
	l.mu.Unlock()
	box.once.Do(func() { close(box.done) })
}

func (l *link) lookup(id string) *mailbox {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.boxes[id]
}

func (l *link) sendControl(msg controlMessage) error {
	payload, err := encodeControl(msg)
	if err != nil {
		return err
	}
	return l.session.Send(network.FrameControl, payload)
}

func (l *link) sendData(payload []byte) error {
	return l.session.Send(network.FrameData, payload)
}

// next waits for the next event of box. A zero timeout waits forever.
func (l *link) next(ctx context.Context, box *mailbox, timeout time.Duration) (event, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case ev := <-box.events:
		return ev, nil
	case <-l.closed:
		// Events that arrived before the session ended still count.
		if ev, ok := box.poll(); ok {
			return ev, nil
		}
		return event{}, l.linkErr()
	case <-ctx.Done():
		return event{}, ctx.Err()
	case <-expired:
		return event{}, errResponseTimeout
	}
}

func (l *link) nextOffer(ctx context.Context) (incomingOffer, error) {
	select {
	case offer := <-l.offers:
		return offer, nil
	case <-l.closed:
		select {
		case offer := <-l.offers:
			return offer, nil
		default:
		}
		return incomingOffer{}, l.linkErr()
	case <-ctx.Done():
		return incomingOffer{}, ctx.Err()
	}
}

func (l *link) linkErr() error {
	if l.err != nil {
		return l.err
	}
	return network.ErrSessionClosed
}

func (l *link) readLoop() {
	for {
		frame, err := l.session.Receive(context.Background())
		if err != nil {
			l.err = err
			close(l.closed)
			return
		}

		switch frame.Type {
		case network.FrameControl:
			msg, err := decodeControl(frame.Payload)
			if err != nil {
				l.log.WithError(err).Warn("dropping malformed control message")
				continue
			}
			l.routeControl(msg)
		case network.FrameData:
			data, err := decodeData(frame.Payload)
			if err != nil {
				l.log.WithError(err).Warn("dropping malformed data frame")
				continue
			}
			if box := l.lookup(data.TransferID.String()); box != nil {
				l.deliver(box, event{data: &data})
			}
		default:
			l.log.WithField("frame_type", frame.Type.String()).Debug("ignoring frame")
		}
	}
}

func (l *link) routeControl(msg controlMessage) {
	if box := l.lookup(msg.TransferID); box != nil {
		l.deliver(box, event{control: &msg})
		return
	}
	if msg.Type != TypeOffer {
		l.log.WithFields(logrus.Fields{
			"transfer_id": msg.TransferID,
			"type":        msg.Type,
		}).Debug("control message for unknown transfer")
		return
	}

	box, err := l.register(msg.TransferID)
	if err != nil {
		l.log.WithError(err).Warn("cannot register incoming transfer")
		return
	}
	select {
	case l.offers <- incomingOffer{msg: msg, box: box}:
	default:
		l.unregister(box)
		_ = l.sendControl(controlMessage{Type: TypeReject, TransferID: msg.TransferID, Reason: ReasonDeclined})
	}
}

func (l *link) deliver(box *mailbox, ev event) {
	select {
	case box.events <- ev:
	case <-box.done:
	}
}
