package pipeline_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creastat/meshline"
	"github.com/creastat/meshline/core"
)

// recordingStep is embedded by every stub step below; it records
// awaken/end calls, in order, to a log shared across the whole chain
// so tests can assert ordering.
type recordingStep struct {
	name      string
	log       *[]string
	mu        *sync.Mutex
	awakenErr error
}

func (s *recordingStep) Awaken(ctx context.Context) error {
	s.record("awaken:" + s.name)
	return s.awakenErr
}

func (s *recordingStep) End() error {
	s.record("end:" + s.name)
	return nil
}

func (s *recordingStep) record(entry string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.log = append(*s.log, entry)
}

type stubInput struct {
	recordingStep
	messages []map[string][]byte
	idx      int
}

func (s *stubInput) Receive(ctx context.Context) (map[string][]byte, error) {
	if s.idx >= len(s.messages) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	m := s.messages[s.idx]
	s.idx++
	return m, nil
}

type stubDeserialize struct {
	recordingStep
}

func (s *stubDeserialize) Deserialize(bySource map[string][]byte) (core.ScriptValue, error) {
	return bySource, nil
}

type stubScript struct {
	recordingStep
	calls *int
}

func (s *stubScript) Invoke(ctx context.Context, arg core.ScriptValue) (core.ScriptValue, error) {
	*s.calls++
	return arg, nil
}

type stubSerialize struct {
	recordingStep
}

func (s *stubSerialize) Serialize(value core.ScriptValue) ([]byte, error) {
	return []byte("ok"), nil
}

type stubOutput struct {
	recordingStep
	sent *[][]byte
	mu   *sync.Mutex
}

func (s *stubOutput) Send(payload []byte) error {
	s.mu.Lock()
	*s.sent = append(*s.sent, payload)
	s.mu.Unlock()
	return nil
}

func newLog() (*[]string, *sync.Mutex) {
	log := make([]string, 0)
	return &log, &sync.Mutex{}
}

func TestDriverValidateRequiresName(t *testing.T) {
	drv := pipeline.New("", pipeline.Steps{Scripts: []core.ScriptStep{&stubScript{calls: new(int)}}}, nil)
	require.Error(t, drv.Validate())
}

func TestDriverValidateRequiresScripts(t *testing.T) {
	drv := pipeline.New("relay", pipeline.Steps{}, nil)
	require.Error(t, drv.Validate())
}

func TestDriverValidateInputDeserializePairing(t *testing.T) {
	log, mu := newLog()
	drv := pipeline.New("relay", pipeline.Steps{
		Input:   &stubInput{recordingStep: recordingStep{name: "input", log: log, mu: mu}},
		Scripts: []core.ScriptStep{&stubScript{calls: new(int)}},
	}, nil)
	require.Error(t, drv.Validate())
}

func TestDriverValidateSerializeOutputPairing(t *testing.T) {
	log, mu := newLog()
	drv := pipeline.New("relay", pipeline.Steps{
		Scripts:   []core.ScriptStep{&stubScript{calls: new(int)}},
		Serialize: &stubSerialize{recordingStep{name: "serialize", log: log, mu: mu}},
	}, nil)
	require.Error(t, drv.Validate())
}

// TestDriverRunsIterationsThenStopsOnCancel exercises spec.md §8
// scenario S1: a full five-role chain runs iterations, each visiting
// every step in order, until cancellation, then ends every step in
// reverse order.
func TestDriverRunsIterationsThenStopsOnCancel(t *testing.T) {
	log, mu := newLog()

	var calls int
	var sent [][]byte
	var sentMu sync.Mutex

	input := &stubInput{
		recordingStep: recordingStep{name: "input", log: log, mu: mu},
		messages: []map[string][]byte{
			{"a": []byte("1")},
			{"a": []byte("2")},
		},
	}
	deserialize := &stubDeserialize{recordingStep{name: "deserialize", log: log, mu: mu}}
	script := &stubScript{recordingStep: recordingStep{name: "script", log: log, mu: mu}, calls: &calls}
	serialize := &stubSerialize{recordingStep{name: "serialize", log: log, mu: mu}}
	output := &stubOutput{recordingStep: recordingStep{name: "output", log: log, mu: mu}, sent: &sent, mu: &sentMu}

	drv := pipeline.New("relay", pipeline.Steps{
		Input:       input,
		Deserialize: deserialize,
		Scripts:     []core.ScriptStep{script},
		Serialize:   serialize,
		Output:      output,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	exit, err := drv.Start(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		sentMu.Lock()
		defer sentMu.Unlock()
		return len(sent) >= 2
	}, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-exit:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("driver did not exit after cancellation")
	}

	assert.Equal(t, core.StateTerminated, drv.State())
	assert.GreaterOrEqual(t, calls, 2)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(*log), 10)
	assert.Equal(t, []string{
		"awaken:input", "awaken:deserialize", "awaken:script", "awaken:serialize", "awaken:output",
	}, (*log)[:5])
	assert.Equal(t, []string{
		"end:output", "end:serialize", "end:script", "end:deserialize", "end:input",
	}, (*log)[len(*log)-5:])
}

// TestDriverAwakenFailureEndsOnlyAwakenedSteps exercises spec.md §4.1's
// failure policy: an awaken failure at step k still calls End() on
// steps 0..k-1 only.
func TestDriverAwakenFailureEndsOnlyAwakenedSteps(t *testing.T) {
	log, mu := newLog()

	input := &stubInput{recordingStep: recordingStep{name: "input", log: log, mu: mu}}
	deserialize := &stubDeserialize{recordingStep{name: "deserialize", log: log, mu: mu, awakenErr: errors.New("boom")}}
	script := &stubScript{recordingStep: recordingStep{name: "script", log: log, mu: mu}, calls: new(int)}

	drv := pipeline.New("relay", pipeline.Steps{
		Input:       input,
		Deserialize: deserialize,
		Scripts:     []core.ScriptStep{script},
	}, nil)

	exit, err := drv.Start(context.Background())
	require.NoError(t, err)

	select {
	case err := <-exit:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("driver did not exit")
	}

	assert.Equal(t, core.StateFailed, drv.State())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"awaken:input", "awaken:deserialize", "end:input"}, *log)
}
