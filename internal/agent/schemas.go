package agent

import openai "github.com/sashabaranov/go-openai"

// capabilityToolSchemas exposes the fixed tool set of spec §6.1 as
// OpenAI function-tool schemas. The set is fixed: the reasoner never
// discovers or registers new tools mid-cycle.
func capabilityToolSchemas() []openai.Tool {
	return []openai.Tool{
		toolDef("get_account", "Return the current account snapshot: equity, cash, buying power, and trading-blocked flags.", map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		}),
		toolDef("get_positions", "Return all open positions with unrealized P&L.", map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		}),
		toolDef("get_latest_quote", "Return the latest bid/ask quote for a symbol.", map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"symbol": map[string]interface{}{"type": "string"},
			},
			"required": []string{"symbol"},
		}),
		toolDef("get_daily_bars", "Return daily OHLCV bars for one or more symbols over a date range.", map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"symbols": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
				"from":    map[string]interface{}{"type": "string", "format": "date-time"},
				"to":      map[string]interface{}{"type": "string", "format": "date-time"},
			},
			"required": []string{"symbols", "from", "to"},
		}),
		toolDef("place_order", "Submit an order. Never retried automatically; a duplicate call places a duplicate order.", map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"symbol":         map[string]interface{}{"type": "string"},
				"qty":            map[string]interface{}{"type": "number"},
				"side":           map[string]interface{}{"type": "string", "enum": []string{"buy", "sell"}},
				"type":           map[string]interface{}{"type": "string", "enum": []string{"market", "limit"}},
				"limit_price":    map[string]interface{}{"type": "number"},
				"extended_hours": map[string]interface{}{"type": "boolean"},
			},
			"required": []string{"symbol", "qty", "side", "type"},
		}),
		toolDef("close_all_positions", "Liquidate every open position, optionally cancelling open orders first.", map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"cancel_orders": map[string]interface{}{"type": "boolean"},
			},
		}),
		toolDef("compute_indicators", "Compute technical indicators for a symbol over a recent bar window.", map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"symbol": map[string]interface{}{"type": "string"},
				"window": map[string]interface{}{"type": "integer"},
			},
			"required": []string{"symbol"},
		}),
		toolDef("market_clock", "Return whether the market is currently open and the next open/close times.", map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		}),
	}
}

func toolDef(name, description string, parameters map[string]interface{}) openai.Tool {
	return openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        name,
			Description: description,
			Parameters:  parameters,
		},
	}
}
