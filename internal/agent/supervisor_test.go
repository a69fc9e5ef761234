package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/duskline/traderd/internal/config"
	"github.com/duskline/traderd/internal/momentum"
	"github.com/duskline/traderd/internal/risk"
	"github.com/duskline/traderd/internal/tools"
)

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// fakeReasoner scripts a fixed sequence of ChatCompletionResponses, one per
// call to CreateChatCompletion, so tests can drive the loop deterministically
// without a network round trip.
type fakeReasoner struct {
	responses []openai.ChatCompletionResponse
	errs      []error
	calls     int
}

func (f *fakeReasoner) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	idx := f.calls
	f.calls++
	if idx < len(f.errs) && f.errs[idx] != nil {
		return openai.ChatCompletionResponse{}, f.errs[idx]
	}
	if idx >= len(f.responses) {
		return openai.ChatCompletionResponse{}, errors.New("fakeReasoner: no scripted response for call")
	}
	return f.responses[idx], nil
}

func textResponse(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content}},
		},
	}
}

func toolCallResponse(name, argsJSON, callID string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleAssistant,
				ToolCalls: []openai.ToolCall{
					{
						ID:   callID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      name,
							Arguments: argsJSON,
						},
					},
				},
			}},
		},
	}
}

func testPolicy(maxSteps int) config.AgentConfig {
	return config.AgentConfig{MaxSteps: maxSteps, Model: "gpt-test", SystemPrompt: "you trade"}
}

func testBreaker() *risk.Breaker {
	return risk.NewBreaker(config.BreakerConfig{MaxConsecutiveFailures: 5, MaxFailuresPerHour: 50}, nil)
}

func testBook() tools.PaperBook {
	return tools.PaperBook{
		Quotes: map[string]tools.Quote{
			"AAPL": {Bid: 199.5, Ask: 200.5, TS: time.Now()},
		},
		Bars: map[string][]tools.Bar{
			"AAPL": {{TS: time.Now(), Open: 195, High: 201, Low: 194, Close: 200, Volume: 1000000}},
		},
		Clock: tools.MarketClock{IsOpen: true, NextOpen: time.Now(), NextClose: time.Now().Add(6 * time.Hour)},
	}
}

func testInputs() CycleInputs {
	return CycleInputs{
		SessionState: "regular",
		Regime:       momentum.Bullish,
		NowLocal:     time.Now(),
		RiskStatus:   risk.Status{Allowed: true},
		Watchlist:    nil,
		SystemPrompt: "you trade",
	}
}

func TestSupervisor_StopsOnFreeTextTerminalSignal(t *testing.T) {
	fake := &fakeReasoner{responses: []openai.ChatCompletionResponse{textResponse("DONE")}}
	caps := tools.NewPaperAdapter(100000, testBook())
	s := &Supervisor{client: fake, policy: testPolicy(30), caps: caps, breaker: testBreaker(), logger: discardLogger()}

	outcome := s.RunOnce(context.Background(), testInputs())

	if outcome.AgentStepsUsed != 1 {
		t.Errorf("expected exactly 1 step, got %d", outcome.AgentStepsUsed)
	}
	if fake.calls != 1 {
		t.Errorf("expected exactly 1 reasoner call, got %d", fake.calls)
	}
}

func TestSupervisor_DispatchesToolCallThenStops(t *testing.T) {
	fake := &fakeReasoner{responses: []openai.ChatCompletionResponse{
		toolCallResponse("get_account", "{}", "call-1"),
		textResponse("DONE"),
	}}
	caps := tools.NewPaperAdapter(100000, testBook())
	s := &Supervisor{client: fake, policy: testPolicy(30), caps: caps, breaker: testBreaker(), logger: discardLogger()}

	outcome := s.RunOnce(context.Background(), testInputs())

	if outcome.AgentStepsUsed != 2 {
		t.Errorf("expected 2 steps (tool call then free text), got %d", outcome.AgentStepsUsed)
	}
	if len(outcome.Errors) != 0 {
		t.Errorf("expected no errors, got %v", outcome.Errors)
	}
}

func TestSupervisor_PlaceOrderRecordedAsSubmitted(t *testing.T) {
	args, _ := json.Marshal(map[string]interface{}{
		"symbol": "AAPL", "qty": 10, "side": "buy", "type": "market",
	})
	fake := &fakeReasoner{responses: []openai.ChatCompletionResponse{
		toolCallResponse("place_order", string(args), "call-1"),
		textResponse("DONE"),
	}}
	caps := tools.NewPaperAdapter(100000, testBook())
	s := &Supervisor{client: fake, policy: testPolicy(30), caps: caps, breaker: testBreaker(), logger: discardLogger()}

	outcome := s.RunOnce(context.Background(), testInputs())

	if len(outcome.OrdersSubmitted) != 1 {
		t.Fatalf("expected 1 submitted order, got %d", len(outcome.OrdersSubmitted))
	}
	if outcome.OrdersSubmitted[0].Symbol != "AAPL" {
		t.Errorf("expected symbol AAPL carried on the submission, got %s", outcome.OrdersSubmitted[0].Symbol)
	}
	if outcome.OrdersSubmitted[0].Ack.Status != "filled" {
		t.Errorf("expected filled status from paper adapter, got %s", outcome.OrdersSubmitted[0].Ack.Status)
	}
	if len(outcome.OrdersFilled) != 1 {
		t.Errorf("expected 1 filled order recorded, got %d", len(outcome.OrdersFilled))
	}
}

func TestSupervisor_StopsAtStepCap(t *testing.T) {
	responses := make([]openai.ChatCompletionResponse, 5)
	for i := range responses {
		responses[i] = toolCallResponse("get_account", "{}", "call-loop")
	}
	fake := &fakeReasoner{responses: responses}
	caps := tools.NewPaperAdapter(100000, testBook())
	s := &Supervisor{client: fake, policy: testPolicy(3), caps: caps, breaker: testBreaker(), logger: discardLogger()}

	outcome := s.RunOnce(context.Background(), testInputs())

	if outcome.AgentStepsUsed != 3 {
		t.Errorf("expected step cap of 3 to bound the loop, got %d", outcome.AgentStepsUsed)
	}
}

func TestSupervisor_UnknownToolNameIsReportedAsError(t *testing.T) {
	fake := &fakeReasoner{responses: []openai.ChatCompletionResponse{
		toolCallResponse("delete_universe", "{}", "call-1"),
		textResponse("DONE"),
	}}
	caps := tools.NewPaperAdapter(100000, testBook())
	s := &Supervisor{client: fake, policy: testPolicy(30), caps: caps, breaker: testBreaker(), logger: discardLogger()}

	outcome := s.RunOnce(context.Background(), testInputs())

	if len(outcome.Errors) == 0 {
		t.Error("expected an error entry for the unknown tool name")
	}
}

func TestSupervisor_CancelledContextStopsLoop(t *testing.T) {
	responses := make([]openai.ChatCompletionResponse, 10)
	for i := range responses {
		responses[i] = toolCallResponse("get_account", "{}", "call-loop")
	}
	fake := &fakeReasoner{responses: responses}
	caps := tools.NewPaperAdapter(100000, testBook())
	s := &Supervisor{client: fake, policy: testPolicy(30), caps: caps, breaker: testBreaker(), logger: discardLogger()}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome := s.RunOnce(ctx, testInputs())

	if outcome.AgentStepsUsed != 1 {
		t.Errorf("expected loop to stop at the first step when ctx is pre-cancelled, got %d", outcome.AgentStepsUsed)
	}
	if fake.calls != 0 {
		t.Errorf("expected no reasoner call once ctx is already cancelled, got %d", fake.calls)
	}
}

func TestSupervisor_ReasonerErrorStopsLoopAndRecordsError(t *testing.T) {
	fake := &fakeReasoner{errs: []error{errors.New("upstream unavailable")}}
	caps := tools.NewPaperAdapter(100000, testBook())
	s := &Supervisor{client: fake, policy: testPolicy(30), caps: caps, breaker: testBreaker(), logger: discardLogger()}

	outcome := s.RunOnce(context.Background(), testInputs())

	if len(outcome.Errors) == 0 {
		t.Error("expected reasoner error to be recorded")
	}
}
