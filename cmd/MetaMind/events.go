package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/BTreeMap/MetaMind/internal/models"
	"github.com/BTreeMap/MetaMind/internal/progress"
	"github.com/BTreeMap/MetaMind/internal/sampler"
	"github.com/BTreeMap/MetaMind/internal/session"
)

// Input event types read from stdin, one JSON object per line.
const (
	EventScroll      = "scroll"
	EventKey         = "key"
	EventClick       = "click"
	EventFocus       = "focus"
	EventBlur        = "blur"
	EventNavigate    = "navigate"
	EventAnswer      = "answer"
	EventResults     = "results"
	EventConfidence  = "confidence"
	EventAcknowledge = "ack"
	EventRespond     = "respond"
	EventHelp        = "help"
	EventNotes       = "notes"
	EventReflection  = "reflection"
	EventSave        = "save"
	EventPause       = "pause"
	EventResume      = "resume"
	EventOnline      = "online"
	EventOffline     = "offline"
	EventStop        = "stop"
)

// maxLineBytes bounds a single input line.
const maxLineBytes = 1 << 20

// inputEvent is a decoded stdin line. Fields unused by its type are ignored.
type inputEvent struct {
	Type string `json:"type"`
	sampler.Viewport
	sampler.KeyEvent

	Target    string `json:"target,omitempty"`
	Direction string `json:"direction,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Item      int    `json:"item,omitempty"`
	Answer    string `json:"answer,omitempty"`
	Level     string `json:"level,omitempty"`
	Response  string `json:"response,omitempty"`
	Text      string `json:"text,omitempty"`
}

func decodeEvent(line []byte) (inputEvent, error) {
	var ev inputEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return inputEvent{}, fmt.Errorf("invalid event: %w", err)
	}
	if ev.Type == "" {
		return inputEvent{}, errors.New("event type required")
	}
	return ev, nil
}

// output is one stdout line.
type output struct {
	Event  string         `json:"event"`
	State  *session.State `json:"state,omitempty"`
	Result any            `json:"result,omitempty"`
	Input  string         `json:"input,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// stateWriter serializes JSON lines from the engine and the input loop.
type stateWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newStateWriter(w io.Writer) *stateWriter {
	return &stateWriter{enc: json.NewEncoder(w)}
}

func (w *stateWriter) write(o output) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(o); err != nil {
		slog.Warn("stateWriter.write: failed to write output", "event", o.Event, "error", err)
	}
}

func (w *stateWriter) StateChanged(s session.State) {
	w.write(output{Event: "state", State: &s})
}

func (w *stateWriter) result(input string, v any) {
	w.write(output{Event: "result", Input: input, Result: v})
}

func (w *stateWriter) fail(input string, err error) {
	w.write(output{Event: "error", Input: input, Error: err.Error()})
}

// handler applies input events to the engine.
type handler struct {
	engine *session.Engine
	bridge *progress.Bridge
	out    *stateWriter
}

// loop reads events until stop, end of input or cancellation, then stops the session.
func (h *handler) loop(ctx context.Context, in io.Reader) error {
	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			slog.Info("handler.loop: interrupted, stopping session")
			return h.stop(context.WithoutCancel(ctx))
		case err := <-readErr:
			if err != nil {
				slog.Warn("handler.loop: input read failed", "error", err)
			}
			return h.stop(ctx)
		case line := <-lines:
			if len(line) == 0 {
				continue
			}
			ev, err := decodeEvent(line)
			if err != nil {
				h.out.fail("", err)
				continue
			}
			if ev.Type == EventStop {
				return h.stop(ctx)
			}
			if err := h.handle(ev); err != nil {
				h.out.fail(ev.Type, err)
			}
		}
	}
}

func (h *handler) stop(ctx context.Context) error {
	err := h.engine.Stop(ctx)
	if errors.Is(err, session.ErrStopped) {
		return nil
	}
	if err != nil {
		return err
	}
	h.out.result(EventStop, h.engine.Progress())
	return nil
}

// handle applies one non-stop event.
func (h *handler) handle(ev inputEvent) error {
	e := h.engine
	switch ev.Type {
	case EventScroll:
		e.OnScroll(ev.Viewport)
	case EventKey:
		e.OnKeyDown(ev.KeyEvent)
	case EventClick:
		e.OnClick(ev.Target)
	case EventFocus:
		e.OnFocusChange(true)
	case EventBlur:
		e.OnFocusChange(false)
	case EventNavigate:
		idx, err := e.Navigate(session.Direction(ev.Direction))
		if err != nil {
			return err
		}
		h.out.result(ev.Type, map[string]int{"content_index": idx})
	case EventAnswer:
		g, err := e.SubmitAnswer(ev.Kind, ev.Item, ev.Answer)
		if err != nil {
			return err
		}
		h.out.result(ev.Type, g)
	case EventResults:
		h.out.result(ev.Type, e.Results())
	case EventConfidence:
		return e.SubmitConfidence(ev.Level)
	case EventAcknowledge:
		return e.AcknowledgeIntervention()
	case EventRespond:
		iev, err := e.RespondToIntervention(models.ResponseCode(ev.Response))
		if err != nil {
			return err
		}
		h.out.result(ev.Type, iev)
	case EventHelp:
		state, err := e.RequestHelp()
		if err != nil {
			return err
		}
		h.out.result(ev.Type, state)
	case EventNotes:
		e.SetNotes(ev.Text)
	case EventReflection:
		e.SetReflection(ev.Text)
	case EventSave:
		return e.Save()
	case EventPause:
		return e.Pause()
	case EventResume:
		return e.Resume()
	case EventOnline:
		h.bridge.SetOnline(true)
	case EventOffline:
		h.bridge.SetOnline(false)
	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
	return nil
}
