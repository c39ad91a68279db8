// Package eventdispatcher fans significant pool events out to
// subscribed observers (notably the round manager) and to a
// structured, tab-separated event log file. It replaces the C
// original's vtable-of-callbacks-pointing-back-into-the-round-manager
// with typed, weakly-held subscriptions: the dispatcher owns a list of
// observer functions it does not otherwise own, breaking the cyclic
// object graph the source has between dispatcher and round manager.
package eventdispatcher

import (
	"fmt"
	"sync"
	"time"

	"github.com/pooldance/pool-dance/internal/filelogger"
	"github.com/pooldance/pool-dance/internal/model"
)

// EventKind identifies which significant pool event occurred.
type EventKind int

const (
	WorkRequested EventKind = iota
	WorkServed
	WorkSubmitted
	WorkValidated
	CurrentBlock
	BlockFound
)

// Event carries whichever fields are relevant to its Kind.
type Event struct {
	Kind   EventKind
	Client model.ClientInfo
	Status model.ValidationStatus
	Reason string
	Block  uint64
}

// Dispatcher fans events out to subscribers and an optional log file.
type Dispatcher struct {
	logger *filelogger.FileLogger

	mu        sync.RWMutex
	observers map[EventKind][]func(Event)
}

// New creates a dispatcher. If logPath is empty, no event log file is
// written (observers still fire).
func New(logPath string) (*Dispatcher, error) {
	d := &Dispatcher{observers: make(map[EventKind][]func(Event))}

	if logPath != "" {
		l, err := filelogger.New(logPath)
		if err != nil {
			return nil, err
		}
		d.logger = l
	}

	return d, nil
}

// Subscribe registers fn to be called synchronously whenever an event
// of the given kind is dispatched.
func (d *Dispatcher) Subscribe(kind EventKind, fn func(Event)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers[kind] = append(d.observers[kind], fn)
}

func (d *Dispatcher) notify(ev Event) {
	d.mu.RLock()
	observers := append([]func(Event){}, d.observers[ev.Kind]...)
	d.mu.RUnlock()

	for _, fn := range observers {
		fn(ev)
	}
}

func timestamp() string {
	return time.Now().UTC().Format("02/Jan/2006:15:04:05 -0700")
}

func (d *Dispatcher) logLine(line string) {
	if d.logger != nil {
		d.logger.Log(line)
	}
}

// NotifyWorkRequested records a miner's getwork solicitation.
func (d *Dispatcher) NotifyWorkRequested(client model.ClientInfo) {
	d.notify(Event{Kind: WorkRequested, Client: client})
	d.logLine(fmt.Sprintf("[%s]\tWORK-REQUESTED\t%q\t%q\t%s\t%q",
		timestamp(), client.User, client.Password, client.RemoteAddr, client.UserAgent))
}

// NotifyWorkServed records a template having been handed to a miner.
func (d *Dispatcher) NotifyWorkServed(client model.ClientInfo) {
	d.notify(Event{Kind: WorkServed, Client: client})
	d.logLine(fmt.Sprintf("[%s]\tWORK-SERVED\t%q\t%q\t%s\t%q",
		timestamp(), client.User, client.Password, client.RemoteAddr, client.UserAgent))
}

// NotifyWorkSubmitted records a putwork submission, independent of
// eventual validation outcome.
func (d *Dispatcher) NotifyWorkSubmitted(client model.ClientInfo) {
	d.notify(Event{Kind: WorkSubmitted, Client: client})
	d.logLine(fmt.Sprintf("[%s]\tWORK-SUBMITTED\t%q\t%q\t%s\t%q",
		timestamp(), client.User, client.Password, client.RemoteAddr, client.UserAgent))
}

// NotifyWorkValidated records the outcome of validating a submission.
// reason is only meaningful when status != StatusSuccess.
func (d *Dispatcher) NotifyWorkValidated(client model.ClientInfo, status model.ValidationStatus, reason string) {
	d.notify(Event{Kind: WorkValidated, Client: client, Status: status, Reason: reason})

	if status == model.StatusSuccess {
		d.logLine(fmt.Sprintf("[%s]\tWORK-ACCEPTED\t%q\t%q\t%s\t%q",
			timestamp(), client.User, client.Password, client.RemoteAddr, client.UserAgent))
	} else {
		d.logLine(fmt.Sprintf("[%s]\tWORK-REJECTED\t%q\t%q\t%s\t%q\t%s\t%q",
			timestamp(), client.User, client.Password, client.RemoteAddr, client.UserAgent, status, reason))
	}
}

// NotifyCurrentBlock records a block-height change observed by the
// block monitor.
func (d *Dispatcher) NotifyCurrentBlock(block uint64) {
	d.notify(Event{Kind: CurrentBlock, Block: block})
	d.logLine(fmt.Sprintf("[%s]\tCURRENT-BLOCK\t%d", timestamp(), block))
}

// NotifyBlockFound records a share that upstream confirmed as an
// accepted block.
func (d *Dispatcher) NotifyBlockFound(block uint64, client model.ClientInfo) {
	d.notify(Event{Kind: BlockFound, Block: block, Client: client})
	d.logLine(fmt.Sprintf("[%s]\tBLOCK-FOUND\t%d\t%q\t%q",
		timestamp(), block, client.User, client.Password))
}

// Close flushes and closes the event log file, if any.
func (d *Dispatcher) Close() error {
	if d.logger != nil {
		return d.logger.Close()
	}
	return nil
}
