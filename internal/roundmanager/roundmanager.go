// Package roundmanager maintains the append-only round journal:
// STARTED/RESUMED markers, one SHARE record per validated submission,
// one BLOCK record per accepted block, with the file atomically
// rotated to "<path>.<block>" each time a block is found.
package roundmanager

import (
	"fmt"
	"os"
	"time"

	"github.com/pooldance/pool-dance/internal/eventdispatcher"
	"github.com/pooldance/pool-dance/internal/filelogger"
	"github.com/pooldance/pool-dance/internal/logging"
)

const rotationDelay = 1000 * time.Millisecond

// RoundManager subscribes to the Event Dispatcher's work-validated and
// block-found events and journals them.
type RoundManager struct {
	path   string
	logger *filelogger.FileLogger
}

// New subscribes to dispatcher for work-validated and block-found
// events. Call Start before relying on the journal being open.
func New(roundFilePath string, dispatcher *eventdispatcher.Dispatcher) *RoundManager {
	rm := &RoundManager{path: roundFilePath}

	dispatcher.Subscribe(eventdispatcher.WorkValidated, rm.onWorkValidated)
	dispatcher.Subscribe(eventdispatcher.BlockFound, rm.onBlockFound)

	return rm
}

// Start opens (or resumes) the round file with mode 0600. If the file
// did not exist, a STARTED record is appended; if it already existed
// (the round survived a restart), a RESUMED record is appended.
func (rm *RoundManager) Start() error {
	f, err := os.OpenFile(rm.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err == nil {
		rm.logger = filelogger.NewFromFile(f)
		rm.logStarted()
		return nil
	}

	if !os.IsExist(err) {
		return fmt.Errorf("create round file %s: %w", rm.path, err)
	}

	existing, openErr := os.OpenFile(rm.path, os.O_APPEND|os.O_WRONLY, 0600)
	if openErr != nil {
		return fmt.Errorf("open existing round file %s: %w", rm.path, openErr)
	}
	rm.logger = filelogger.NewFromFile(existing)
	rm.logResumed()
	return nil
}

// Close flushes and closes the round file.
func (rm *RoundManager) Close() error {
	if rm.logger == nil {
		return nil
	}
	return rm.logger.Close()
}

func (rm *RoundManager) logStarted() {
	rm.logger.Log(fmt.Sprintf("%d\t%s", time.Now().Unix(), "STARTED"))
}

func (rm *RoundManager) logResumed() {
	rm.logger.Log(fmt.Sprintf("%d\t%s", time.Now().Unix(), "RESUMED"))
}

func (rm *RoundManager) onWorkValidated(ev eventdispatcher.Event) {
	entry := fmt.Sprintf("%d\t%s\t%d\t%q\t%q",
		time.Now().Unix(), "SHARE", int(ev.Status), ev.Client.User, ev.Client.Password)
	rm.logger.Log(entry)
}

func (rm *RoundManager) onBlockFound(ev eventdispatcher.Event) {
	entry := fmt.Sprintf("%d\t%s\t%d\t%q\t%q",
		time.Now().Unix(), "BLOCK", ev.Block, ev.Client.User, ev.Client.Password)
	rm.logger.Log(entry)

	rotatedPath := fmt.Sprintf("%s.%d", rm.path, ev.Block)
	rm.logger.CopyAndTruncate(rotatedPath, rotationDelay, func(err error) {
		if err != nil {
			logging.Warnf("round log rotation to %s failed: %v", rotatedPath, err)
			return
		}
		rm.logStarted()
	})
}
