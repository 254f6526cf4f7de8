package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const commandTimeout = 30 * time.Second

// SignalCLI drives a signal-cli installation: one long-running
// `daemon --json` process for inbound messages, one short process per send.
type SignalCLI struct {
	Path      string
	Account   string
	ConfigDir string
	Log       *zap.Logger

	// command builds the process; tests swap it out.
	command func(ctx context.Context, name string, args ...string) *exec.Cmd

	mu      sync.Mutex
	daemon  *exec.Cmd
	events  chan Event
	exitErr error
}

var _ Transport = (*SignalCLI)(nil)

func NewSignalCLI(path, account, configDir string, log *zap.Logger) *SignalCLI {
	return &SignalCLI{
		Path:      path,
		Account:   account,
		ConfigDir: configDir,
		Log:       log.Named("signal"),
		command:   exec.CommandContext,
	}
}

func (s *SignalCLI) baseArgs() []string {
	args := []string{"-a", s.Account}
	if s.ConfigDir != "" {
		args = append(args, "--config", s.ConfigDir)
	}
	return args
}

// sendArgs renders the argument list of a send.
func (s *SignalCLI) sendArgs(to Target, text string) []string {
	args := append(s.baseArgs(), "send", "-m", text)
	if to.GroupID != "" {
		return append(args, "-g", to.GroupID)
	}
	return append(args, to.Recipient)
}

// Start launches the daemon and the reader goroutine. The reader stops when
// the daemon exits or ctx is cancelled.
func (s *SignalCLI) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.daemon != nil {
		return nil
	}
	args := append(s.baseArgs(), "daemon", "--json")
	cmd := s.command(ctx, s.Path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("daemon stdout: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start signal-cli daemon: %w", err)
	}
	s.daemon = cmd
	s.events = make(chan Event, 64)
	s.Log.Info("signal daemon started", zap.String("account", s.Account))

	go func() {
		readEnvelopes(ctx, stdout, s.events, s.Log)
		werr := cmd.Wait()
		s.mu.Lock()
		if werr != nil {
			s.exitErr = fmt.Errorf("signal-cli daemon exited: %w: %s", werr, strings.TrimSpace(stderr.String()))
		} else {
			s.exitErr = fmt.Errorf("signal-cli daemon exited: %w", ErrClosed)
		}
		s.mu.Unlock()
		close(s.events)
	}()
	return nil
}

func (s *SignalCLI) Receive(ctx context.Context) (Event, error) {
	s.mu.Lock()
	events := s.events
	s.mu.Unlock()
	if events == nil {
		return Event{}, fmt.Errorf("signal-cli daemon not started: %w", ErrClosed)
	}
	select {
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case ev, ok := <-events:
		if !ok {
			s.mu.Lock()
			defer s.mu.Unlock()
			return Event{}, s.exitErr
		}
		return ev, nil
	}
}

func (s *SignalCLI) run(ctx context.Context, args []string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	cmd := s.command(ctx, s.Path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("signal-cli %s: %w: %s", args[len(s.baseArgs())], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

func (s *SignalCLI) Send(ctx context.Context, to Target, text string) error {
	if _, err := s.run(ctx, s.sendArgs(to, text)); err != nil {
		s.Log.Error("send failed", zap.Stringer("to", to), zap.Error(err))
		return err
	}
	s.Log.Debug("message sent", zap.Stringer("to", to))
	return nil
}

// CreateGroup returns whatever signal-cli printed, which carries the new
// group id.
func (s *SignalCLI) CreateGroup(ctx context.Context, name string, members []string) (string, error) {
	args := append(s.baseArgs(), "updateGroup", "-n", name)
	args = append(args, members...)
	out, err := s.run(ctx, args)
	if err != nil {
		return "", err
	}
	s.Log.Info("group created", zap.String("name", name), zap.Int("members", len(members)))
	return strings.TrimSpace(string(out)), nil
}

// Stop terminates the daemon. Receive returns an error once the reader drains.
func (s *SignalCLI) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.daemon == nil || s.daemon.Process == nil {
		return nil
	}
	s.Log.Info("stopping signal daemon")
	return s.daemon.Process.Kill()
}

type envelope struct {
	Envelope struct {
		Source       string `json:"source"`
		SourceNumber string `json:"sourceNumber"`
		Timestamp    int64  `json:"timestamp"`
		DataMessage  *struct {
			Message   string `json:"message"`
			GroupInfo *struct {
				GroupID string `json:"groupId"`
			} `json:"groupInfo"`
		} `json:"dataMessage"`
	} `json:"envelope"`
}

// parseEnvelope decodes one daemon output line. ok is false for envelopes
// without message text (receipts, typing indicators, sync messages).
func parseEnvelope(line []byte) (ev Event, ok bool, err error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Event{}, false, err
	}
	dm := env.Envelope.DataMessage
	if dm == nil || strings.TrimSpace(dm.Message) == "" {
		return Event{}, false, nil
	}
	sender := env.Envelope.SourceNumber
	if sender == "" {
		sender = env.Envelope.Source
	}
	ev = Event{
		ID:         uuid.New(),
		Sender:     sender,
		Text:       strings.TrimSpace(dm.Message),
		Timestamp:  env.Envelope.Timestamp,
		ReceivedAt: time.Now(),
	}
	if dm.GroupInfo != nil {
		ev.GroupID = dm.GroupInfo.GroupID
	}
	return ev, true, nil
}

func readEnvelopes(ctx context.Context, r io.Reader, out chan<- Event, log *zap.Logger) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		ev, ok, err := parseEnvelope(line)
		if err != nil {
			log.Warn("unparsable daemon line", zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
	if err := sc.Err(); err != nil {
		log.Error("daemon read failed", zap.Error(err))
	}
}
