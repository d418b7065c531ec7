package collector

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/pithecene-io/bastion/types"
)

// AuthLogSource tails a newline-delimited JSON stream of authentication
// events, such as the output of an auth-log shipper. Each Collect call
// drains lines appended since the previous call and maps them onto
// SECURITY events. The file offset survives rotation detection: when
// the file shrinks, reading restarts from the top.
type AuthLogSource struct {
	path   string
	offset int64
	seq    int64
}

// authLine is one shipped auth record.
type authLine struct {
	TimestampNS int64  `json:"timestamp_ns"`
	Action      string `json:"action"`
	User        string `json:"user"`
	SourceAddr  string `json:"source_addr"`
	Mechanism   string `json:"mechanism"`
	Success     bool   `json:"success"`
	Severity    string `json:"severity"`
	Tags        []string `json:"tags"`
}

// NewAuthLogSource creates a source tailing the given path.
func NewAuthLogSource(path string) *AuthLogSource {
	return &AuthLogSource{path: path}
}

// Name implements Source.
func (a *AuthLogSource) Name() string { return "auth_log" }

// Collect implements Source.
func (a *AuthLogSource) Collect(ctx context.Context) (types.Body, error) {
	f, err := os.Open(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			// No auth log yet; an empty body is skipped upstream.
			return types.Body{Kind: types.BodyKindSecurityEvent, Security: &types.SecurityEvent{}}, nil
		}
		return types.Body{}, fmt.Errorf("open auth log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return types.Body{}, err
	}
	if info.Size() < a.offset {
		// Rotated or truncated.
		a.offset = 0
	}
	if _, err := f.Seek(a.offset, io.SeekStart); err != nil {
		return types.Body{}, err
	}

	var events []types.TelemetryEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	consumed := a.offset
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return types.Body{}, err
		}
		line := scanner.Bytes()
		consumed += int64(len(line)) + 1
		if len(line) == 0 {
			continue
		}
		var rec authLine
		if err := json.Unmarshal(line, &rec); err != nil {
			// A torn or garbled line is skipped, not fatal.
			continue
		}
		events = append(events, a.securityEvent(&rec))
	}
	if err := scanner.Err(); err != nil {
		return types.Body{}, err
	}
	a.offset = consumed

	return types.Body{
		Kind:     types.BodyKindSecurityEvent,
		Security: &types.SecurityEvent{Events: events},
	}, nil
}

func (a *AuthLogSource) securityEvent(rec *authLine) types.TelemetryEvent {
	a.seq++
	severity, ok := types.ParseSeverity(rec.Severity)
	if !ok {
		if rec.Success {
			severity = types.SeverityInfo
		} else {
			severity = types.SeverityMedium
		}
	}
	return types.TelemetryEvent{
		EventID:     fmt.Sprintf("%s-%d-%d", a.Name(), rec.TimestampNS, a.seq),
		Type:        types.EventTypeSecurity,
		Severity:    severity,
		TimestampNS: rec.TimestampNS,
		Tags:        rec.Tags,
		Payload: types.EventPayload{
			Kind: types.PayloadKindSecurity,
			Security: &types.SecurityPayload{
				Action:     rec.Action,
				User:       rec.User,
				SourceAddr: rec.SourceAddr,
				Mechanism:  rec.Mechanism,
				Success:    rec.Success,
			},
		},
	}
}
