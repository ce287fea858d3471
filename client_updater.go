package pvscope

// Contains RunClientUpdater, which publishes JSON-encoded scope events
// (frames, triggers, status) to the rendering clients.

import (
	"encoding/json"
	"fmt"

	"github.com/pebbe/zmq4"
)

// encodeEvent turns an Event into the two frames sent on the publisher socket:
// the tag, then the JSON payload.
func encodeEvent(e Event) ([]byte, error) {
	if msg, ok := e.Payload.(string); ok {
		return json.Marshal(map[string]string{"Message": msg})
	}
	return json.Marshal(e.Payload)
}

// RunClientUpdater forwards every event from its input channel to a ZMQ publisher
// socket bound to port. It returns when abort is closed or events is closed.
func RunClientUpdater(events <-chan Event, port int, abort <-chan struct{}) error {
	hostname := fmt.Sprintf("tcp://*:%d", port)
	pubSocket, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return err
	}
	defer pubSocket.Close()
	if err = pubSocket.Bind(hostname); err != nil {
		return err
	}

	for {
		select {
		case <-abort:
			return nil
		case update, ok := <-events:
			if !ok {
				return nil
			}
			message, err := encodeEvent(update)
			if err != nil {
				ProblemLogger.Printf("could not encode %s event: %v", update.Tag, err)
				continue
			}
			if update.Tag != TagFrame && update.Tag != TagStatistics {
				UpdateLogger.Printf("SEND %v %v", update.Tag, string(message))
			}
			if _, err := pubSocket.SendMessage(update.Tag, message); err != nil {
				ProblemLogger.Printf("could not publish %s event: %v", update.Tag, err)
			}
		}
	}
}
