// Package agent implements the agent supervisor (spec C5): a bounded,
// cooperative tool-calling reasoning loop that drives one trading cycle.
//
// The teacher treats "AI" purely as a file-contract score producer written
// by an out-of-process Python script; this spec requires a live reasoning
// loop, so this package is new. It is grounded on two retrieval-pack
// patterns: the chain-of-thought/step-bounded cycle shape of
// selivandex-trader-bot's AgenticManager (think, then optionally act, one
// cycle at a time) and vaibhavblayer-trader's parallel-agent/result-
// collection idea of surfacing a fixed account/position/market snapshot to
// the reasoner every iteration. The concrete reasoning client is
// github.com/sashabaranov/go-openai, an OpenAI-compatible chat-completions-
// with-tools client, the same library selivandex-trader-bot depends on.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/duskline/traderd/internal/config"
	"github.com/duskline/traderd/internal/momentum"
	"github.com/duskline/traderd/internal/risk"
	"github.com/duskline/traderd/internal/tools"
)

// OrderSubmission pairs a place_order acknowledgement with the symbol it
// was submitted for — tools.OrderAck alone carries no symbol, and the
// cycle record (and the trade log derived from it) needs one.
type OrderSubmission struct {
	Symbol string
	Ack    tools.OrderAck
}

// CycleOutcome is the contract run_once returns to the orchestrator
// (spec §4.5 Outputs).
type CycleOutcome struct {
	OrdersSubmitted []OrderSubmission
	OrdersFilled    []OrderSubmission
	AgentStepsUsed  int
	Errors          []string
	FinalAccount    tools.Account

	// Fatal distinguishes a true cycle-level failure (the reasoner call
	// itself errored, or returned nothing usable) from the per-tool
	// ToolTransient entries that Errors otherwise collects. Per spec §7,
	// a tool failure is recorded and the cycle continues; only a fatal
	// cycle should count toward the orchestrator's "3 consecutive cycle
	// failures" escalation (spec §4.6/§6.3).
	Fatal bool
}

// CycleInputs is what the orchestrator hands the supervisor for one
// invocation — everything the reasoner needs surfaced (spec §4.5 Inputs).
type CycleInputs struct {
	SessionState string
	Regime       momentum.Regime
	NowLocal     time.Time
	RiskStatus   risk.Status
	Watchlist    []momentum.WatchlistEntry
	SystemPrompt string
}

// chatCompleter is the slice of *openai.Client this package actually calls.
// Narrowing to an interface lets tests substitute a fake reasoner without a
// network round trip.
type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Supervisor drives the bounded tool-calling reasoning loop.
type Supervisor struct {
	client  chatCompleter
	policy  config.AgentConfig
	caps    tools.Set
	breaker *risk.Breaker
	logger  *log.Logger
}

// New creates a Supervisor. baseURL may be empty to use the default
// OpenAI-compatible endpoint; apiKey is required. breaker is stored on the
// Supervisor but RunOnce records nothing to it; nil is accepted.
func New(baseURL, apiKey string, policy config.AgentConfig, caps tools.Set, breaker *risk.Breaker, logger *log.Logger) *Supervisor {
	if logger == nil {
		logger = log.New(log.Writer(), "", log.LstdFlags)
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return &Supervisor{
		client:  openai.NewClientWithConfig(cfg),
		policy:  policy,
		caps:    caps,
		breaker: breaker,
		logger:  logger,
	}
}

// RunOnce drives one trading cycle: present state, dispatch tool calls,
// repeat until the reasoner replies without a tool call (terminal signal or
// free text), the step cap, a failed or empty reasoner call (Fatal), or
// context cancellation. Tool-call errors are recorded in Errors and do not
// end the loop. On cancellation the in-flight tool call (if any) is allowed
// to complete before the loop exits (spec §4.5 Cancellation).
func (s *Supervisor) RunOnce(ctx context.Context, in CycleInputs) CycleOutcome {
	outcome := CycleOutcome{}

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: in.SystemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: s.renderCyclePrompt(in)},
	}

	toolSchemas := capabilityToolSchemas()

	for step := 0; step < s.policy.MaxSteps; step++ {
		outcome.AgentStepsUsed = step + 1

		if ctx.Err() != nil {
			outcome.Errors = append(outcome.Errors, "cycle cancelled before step "+fmt.Sprint(step+1))
			break
		}

		resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:    s.policy.Model,
			Messages: messages,
			Tools:    toolSchemas,
		})
		if err != nil {
			outcome.Errors = append(outcome.Errors, fmt.Sprintf("reasoner call failed: %v", err))
			outcome.Fatal = true
			break
		}
		if len(resp.Choices) == 0 {
			outcome.Errors = append(outcome.Errors, "reasoner returned no choices")
			outcome.Fatal = true
			break
		}

		choice := resp.Choices[0].Message
		messages = append(messages, choice)

		if len(choice.ToolCalls) == 0 {
			// Free text with no tool call: spec treats this as logged output
			// and, absent an explicit terminal signal, the loop's natural end.
			s.logger.Printf("AGENT_FREE_TEXT: %s", choice.Content)
			if isTerminalSignal(choice.Content) {
				break
			}
			break
		}

		for _, call := range choice.ToolCalls {
			result, ack, symbol, err := s.dispatch(ctx, call)
			if err != nil {
				outcome.Errors = append(outcome.Errors, fmt.Sprintf("%s: %v", call.Function.Name, err))
			}
			if ack != nil && call.Function.Name == "place_order" {
				sub := OrderSubmission{Symbol: symbol, Ack: *ack}
				outcome.OrdersSubmitted = append(outcome.OrdersSubmitted, sub)
				if ack.Status == "filled" {
					outcome.OrdersFilled = append(outcome.OrdersFilled, sub)
				}
			}

			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    result,
				ToolCallID: call.ID,
			})

			if ctx.Err() != nil {
				// Finish draining this call's result into history, then stop.
				break
			}
		}
	}

	if account, err := s.caps.GetAccount(ctx); err == nil {
		outcome.FinalAccount = account
	} else {
		outcome.Errors = append(outcome.Errors, fmt.Sprintf("final account snapshot failed: %v", err))
	}

	return outcome
}

// dispatch synchronously executes one tool call through internal/tools and
// returns its JSON result (for the reasoner's next turn), an OrderAck and
// its symbol when the call was place_order, and any dispatch error.
func (s *Supervisor) dispatch(ctx context.Context, call openai.ToolCall) (string, *tools.OrderAck, string, error) {
	switch call.Function.Name {
	case "get_account":
		acc, err := s.caps.GetAccount(ctx)
		body, _, err2 := marshalResult(acc, err)
		return body, nil, "", firstErr(err, err2)

	case "get_positions":
		positions, err := s.caps.GetPositions(ctx)
		body, _, err2 := marshalResult(positions, err)
		return body, nil, "", firstErr(err, err2)

	case "get_latest_quote":
		var args struct {
			Symbol string `json:"symbol"`
		}
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return "", nil, "", err
		}
		quote, err := s.caps.GetLatestQuote(ctx, args.Symbol)
		body, _, err2 := marshalResult(quote, err)
		return body, nil, "", firstErr(err, err2)

	case "get_daily_bars":
		var args struct {
			Symbols []string  `json:"symbols"`
			From    time.Time `json:"from"`
			To      time.Time `json:"to"`
		}
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return "", nil, "", err
		}
		bars, err := s.caps.GetDailyBars(ctx, args.Symbols, args.From, args.To)
		body, _, err2 := marshalResult(bars, err)
		return body, nil, "", firstErr(err, err2)

	case "place_order":
		var args struct {
			Symbol        string  `json:"symbol"`
			Qty           float64 `json:"qty"`
			Side          string  `json:"side"`
			Type          string  `json:"type"`
			LimitPrice    float64 `json:"limit_price"`
			ExtendedHours bool    `json:"extended_hours"`
		}
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return "", nil, "", err
		}
		ack, err := s.caps.PlaceOrder(ctx, tools.PlaceOrderRequest{
			Symbol:        args.Symbol,
			Qty:           args.Qty,
			Side:          tools.Side(args.Side),
			Type:          tools.OrderType(args.Type),
			LimitPrice:    args.LimitPrice,
			ExtendedHours: args.ExtendedHours,
		})
		body, _, mErr := marshalResult(ack, err)
		if mErr != nil {
			return body, nil, "", mErr
		}
		return body, &ack, args.Symbol, err

	case "close_all_positions":
		var args struct {
			CancelOrders bool `json:"cancel_orders"`
		}
		_ = json.Unmarshal([]byte(call.Function.Arguments), &args)
		closed, err := s.caps.CloseAllPositions(ctx, args.CancelOrders)
		body, _, err2 := marshalResult(closed, err)
		return body, nil, "", firstErr(err, err2)

	case "compute_indicators":
		var args struct {
			Symbol string `json:"symbol"`
			Window int    `json:"window"`
		}
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return "", nil, "", err
		}
		raw, err := s.caps.ComputeIndicators(ctx, args.Symbol, args.Window)
		if err != nil {
			return fmt.Sprintf(`{"error":%q}`, err.Error()), nil, "", err
		}
		return string(raw), nil, "", nil

	case "market_clock":
		clock, err := s.caps.MarketClock(ctx)
		body, _, err2 := marshalResult(clock, err)
		return body, nil, "", firstErr(err, err2)

	default:
		return "", nil, "", fmt.Errorf("unknown tool capability %q", call.Function.Name)
	}
}

func firstErr(a, b error) error {
	if a != nil {
		return a
	}
	return b
}

func marshalResult(v interface{}, err error) (string, *tools.OrderAck, error) {
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, err.Error()), nil, nil
	}
	body, mErr := json.Marshal(v)
	if mErr != nil {
		return "", nil, mErr
	}
	return string(body), nil, nil
}

// renderCyclePrompt builds the strategy-neutral cycle prompt surfaced to the
// reasoner every cycle (spec §4.5 Inputs).
func (s *Supervisor) renderCyclePrompt(in CycleInputs) string {
	watchlistJSON, _ := json.Marshal(in.Watchlist)
	riskJSON, _ := json.Marshal(in.RiskStatus)

	return fmt.Sprintf(
		"session=%s regime=%s now=%s\nrisk_status=%s\nwatchlist=%s",
		in.SessionState, in.Regime, in.NowLocal.Format(time.RFC3339), riskJSON, watchlistJSON,
	)
}

// isTerminalSignal reports whether free-text reasoner output names a
// terminal signal (spec §4.5: "the loop terminates on... terminal signal").
func isTerminalSignal(content string) bool {
	return content == "DONE" || content == "CYCLE_COMPLETE"
}
