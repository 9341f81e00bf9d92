// risk/actions.go
package risk

import "fmt"

// Action is a generic instruction returned by the position-review pass. The
// engine executes actions on the control goroutine; the risk manager itself
// never touches the exchange.
type Action interface {
	Description() string
}

// UpdateStopAction raises a position's protective stop (trailing stop ratchet).
type UpdateStopAction struct {
	Symbol   string
	PrevStop float64
	NewStop  float64
}

func (a *UpdateStopAction) Description() string {
	return fmt.Sprintf("Raise %s stop-loss %.4f -> %.4f", a.Symbol, a.PrevStop, a.NewStop)
}

// ClosePositionAction closes a single position with a market order.
type ClosePositionAction struct {
	Symbol string
	Amount float64
	Reason string
}

func (a *ClosePositionAction) Description() string {
	return fmt.Sprintf("Close %s position of %.6f: %s", a.Symbol, a.Amount, a.Reason)
}

// LiquidateAllAction closes every open position and halts new trade entry
// until the emergency is manually cleared.
type LiquidateAllAction struct {
	Reason string
}

func (a *LiquidateAllAction) Description() string {
	return fmt.Sprintf("Emergency liquidation of all positions: %s", a.Reason)
}

// ReviewPositions runs the position-monitoring pass over read-only snapshots:
// stop-loss and take-profit hits produce close actions, otherwise the
// trailing stop is ratcheted. Missing prices leave a position untouched.
func (m *Manager) ReviewPositions(positions []PositionSnapshot, prices map[string]float64) []Action {
	var actions []Action
	for _, pos := range positions {
		price, ok := prices[pos.Symbol]
		if !ok || price <= 0 {
			continue
		}

		if pos.StopLoss > 0 && price <= pos.StopLoss {
			actions = append(actions, &ClosePositionAction{
				Symbol: pos.Symbol,
				Amount: pos.Amount,
				Reason: fmt.Sprintf("stop-loss hit at %.4f", price),
			})
			continue
		}
		if pos.TakeProfit > 0 && price >= pos.TakeProfit {
			actions = append(actions, &ClosePositionAction{
				Symbol: pos.Symbol,
				Amount: pos.Amount,
				Reason: fmt.Sprintf("take-profit hit at %.4f", price),
			})
			continue
		}

		newStop := m.CalculateTrailingStop(pos.EntryPrice, price, pos.StopLoss)
		if newStop > pos.StopLoss {
			actions = append(actions, &UpdateStopAction{
				Symbol:   pos.Symbol,
				PrevStop: pos.StopLoss,
				NewStop:  newStop,
			})
		}
	}
	return actions
}
