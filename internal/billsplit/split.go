// Package billsplit allocates a bill across participants so that the shares
// always add up to the total, to the cent.
package billsplit

import (
	"fmt"
	"math/big"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/user/tablemate/internal/types"
)

// Mode selects how a bill is divided.
type Mode string

const (
	ModeEqual    Mode = "equal"
	ModeWeighted Mode = "weighted"
	ModeItemized Mode = "itemized"
)

var (
	ErrNoParticipants       = fmt.Errorf("%w: no participants", types.ErrInvalidToolArguments)
	ErrDuplicateParticipant = fmt.Errorf("%w: duplicate participant", types.ErrInvalidToolArguments)
	ErrUnknownParticipant   = fmt.Errorf("%w: unknown participant", types.ErrInvalidToolArguments)
	ErrInvalidAmount        = fmt.Errorf("%w: invalid amount", types.ErrInvalidToolArguments)
	ErrInvalidWeight        = fmt.Errorf("%w: invalid weight", types.ErrInvalidToolArguments)
	ErrTotalMismatch        = fmt.Errorf("%w: items, tax and tip do not add up to the total", types.ErrInvalidToolArguments)
	ErrUnknownMode          = fmt.Errorf("%w: unknown split mode", types.ErrInvalidToolArguments)
	ErrNoItems              = fmt.Errorf("%w: itemized split needs at least one item", types.ErrInvalidToolArguments)
)

const (
	// maxCents caps every amount and the bill total, keeping cent
	// arithmetic well inside int64.
	maxCents = 100_000_000_000_000

	// maxScale bounds decimal exponents. Rescaling a value such as
	// 1e-3000000 would allocate millions of digits.
	maxScale = 18
)

var maxAmount = decimal.New(maxCents, -2)

// Participant is one person sharing the bill. Weight is only read in
// weighted mode.
type Participant struct {
	Name   string          `json:"name"`
	Weight decimal.Decimal `json:"weight"`
}

// Item is a receipt line. Items without owners are shared by everyone.
type Item struct {
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Owners      []string        `json:"owners,omitempty"`
}

// Request describes a bill and how to divide it. Total is required for equal
// and weighted splits; for itemized splits it is optional and, when given,
// must match items + tax + tip.
type Request struct {
	Mode         Mode             `json:"mode"`
	Total        *decimal.Decimal `json:"total,omitempty"`
	Participants []Participant    `json:"participants"`
	Items        []Item           `json:"items,omitempty"`
	Tax          decimal.Decimal  `json:"tax"`
	Tip          decimal.Decimal  `json:"tip"`
}

// Share is one participant's portion of the bill.
type Share struct {
	Name     string           `json:"name"`
	Amount   decimal.Decimal  `json:"amount"`
	Subtotal *decimal.Decimal `json:"subtotal,omitempty"`
}

// Allocation is the result of a split. The shares sum exactly to Total.
type Allocation struct {
	Mode   Mode            `json:"mode"`
	Total  decimal.Decimal `json:"total"`
	Shares []Share         `json:"shares"`
}

// Split divides the bill described by req.
func Split(req Request) (*Allocation, error) {
	if len(req.Participants) == 0 {
		return nil, ErrNoParticipants
	}
	index := make(map[string]int, len(req.Participants))
	for i, p := range req.Participants {
		if p.Name == "" {
			return nil, fmt.Errorf("%w: participant %d has no name", types.ErrInvalidToolArguments, i+1)
		}
		if _, dup := index[p.Name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateParticipant, p.Name)
		}
		index[p.Name] = i
	}

	switch req.Mode {
	case ModeEqual, "":
		return splitWeighted(ModeEqual, req, ones(len(req.Participants)))
	case ModeWeighted:
		weights, err := weightsOf(req.Participants)
		if err != nil {
			return nil, err
		}
		return splitWeighted(ModeWeighted, req, weights)
	case ModeItemized:
		return splitItemized(req, index)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, req.Mode)
	}
}

func splitWeighted(mode Mode, req Request, weights []*big.Int) (*Allocation, error) {
	if req.Total == nil {
		return nil, fmt.Errorf("%w: total is required", ErrInvalidAmount)
	}
	total, err := toCents(*req.Total)
	if err != nil {
		return nil, err
	}
	cents := allocate(total, weights)
	alloc := &Allocation{Mode: mode, Total: fromCents(total)}
	for i, p := range req.Participants {
		alloc.Shares = append(alloc.Shares, Share{Name: p.Name, Amount: fromCents(cents[i])})
	}
	return alloc, nil
}

func splitItemized(req Request, index map[string]int) (*Allocation, error) {
	if len(req.Items) == 0 {
		return nil, ErrNoItems
	}
	n := len(req.Participants)
	subtotals := make([]int64, n)
	var itemsTotal int64

	for _, item := range req.Items {
		amount, err := toCents(item.Amount)
		if err != nil {
			return nil, fmt.Errorf("item %q: %w", item.Description, err)
		}
		itemsTotal += amount
		if itemsTotal > maxCents {
			return nil, fmt.Errorf("%w: items add up to more than %s", ErrInvalidAmount, maxAmount.StringFixed(2))
		}

		// Owners are ordered by listing order so the odd cent is deterministic.
		owners := make([]int, 0, len(item.Owners))
		seen := make(map[int]bool, len(item.Owners))
		for _, name := range item.Owners {
			i, ok := index[name]
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnknownParticipant, name)
			}
			if !seen[i] {
				seen[i] = true
				owners = append(owners, i)
			}
		}
		if len(owners) == 0 {
			for i := range n {
				owners = append(owners, i)
			}
		}
		slices.Sort(owners)

		parts := allocate(amount, ones(len(owners)))
		for j, i := range owners {
			subtotals[i] += parts[j]
		}
	}

	tax, err := toCents(req.Tax)
	if err != nil {
		return nil, fmt.Errorf("tax: %w", err)
	}
	tip, err := toCents(req.Tip)
	if err != nil {
		return nil, fmt.Errorf("tip: %w", err)
	}

	total := itemsTotal + tax + tip
	if total > maxCents {
		return nil, fmt.Errorf("%w: bill exceeds %s", ErrInvalidAmount, maxAmount.StringFixed(2))
	}
	if req.Total != nil {
		want, err := toCents(*req.Total)
		if err != nil {
			return nil, err
		}
		if want != total {
			return nil, fmt.Errorf("%w: expected %s, got %s", ErrTotalMismatch, fromCents(want).StringFixed(2), fromCents(total).StringFixed(2))
		}
	}

	weights := make([]*big.Int, n)
	for i, s := range subtotals {
		weights[i] = big.NewInt(s)
	}
	if itemsTotal == 0 {
		weights = ones(n)
	}
	extras := allocate(tax+tip, weights)

	alloc := &Allocation{Mode: ModeItemized, Total: fromCents(total)}
	for i, p := range req.Participants {
		subtotal := fromCents(subtotals[i])
		alloc.Shares = append(alloc.Shares, Share{
			Name:     p.Name,
			Amount:   fromCents(subtotals[i] + extras[i]),
			Subtotal: &subtotal,
		})
	}
	return alloc, nil
}

// allocate divides total cents in proportion to weights. Each share is the
// exact floor of total*w/sum; the leftover cents go one at a time to the
// earliest-listed participants with a non-zero weight.
func allocate(total int64, weights []*big.Int) []int64 {
	out := make([]int64, len(weights))
	sum := new(big.Int)
	for _, w := range weights {
		sum.Add(sum, w)
	}
	if sum.Sign() == 0 {
		return out
	}

	t := big.NewInt(total)
	var given int64
	for i, w := range weights {
		share := new(big.Int).Mul(t, w)
		share.Quo(share, sum)
		out[i] = share.Int64()
		given += out[i]
	}

	for rest := total - given; rest > 0; {
		for i, w := range weights {
			if rest == 0 {
				break
			}
			if w.Sign() > 0 {
				out[i]++
				rest--
			}
		}
	}
	return out
}

func weightsOf(participants []Participant) ([]*big.Int, error) {
	places := int32(0)
	for _, p := range participants {
		if !inScale(p.Weight) {
			return nil, fmt.Errorf("%w: %s has a weight out of range", ErrInvalidWeight, p.Name)
		}
		if p.Weight.IsNegative() {
			return nil, fmt.Errorf("%w: %s has a negative weight", ErrInvalidWeight, p.Name)
		}
		if e := -p.Weight.Exponent(); e > places {
			places = e
		}
	}

	weights := make([]*big.Int, len(participants))
	nonZero := false
	for i, p := range participants {
		weights[i] = p.Weight.Shift(places).BigInt()
		if weights[i].Sign() > 0 {
			nonZero = true
		}
	}
	if !nonZero {
		return nil, fmt.Errorf("%w: at least one weight must be positive", ErrInvalidWeight)
	}
	return weights, nil
}

func ones(n int) []*big.Int {
	out := make([]*big.Int, n)
	for i := range out {
		out[i] = big.NewInt(1)
	}
	return out
}

func inScale(d decimal.Decimal) bool {
	e := d.Exponent()
	return e >= -maxScale && e <= maxScale
}

// toCents converts an amount with at most two decimal places to minor units.
func toCents(d decimal.Decimal) (int64, error) {
	if !inScale(d) {
		return 0, fmt.Errorf("%w: exponent %d out of range", ErrInvalidAmount, d.Exponent())
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("%w: %s is negative", ErrInvalidAmount, d.String())
	}
	if d.GreaterThan(maxAmount) {
		return 0, fmt.Errorf("%w: %s exceeds %s", ErrInvalidAmount, d.String(), maxAmount.StringFixed(2))
	}
	if !d.Equal(d.Truncate(2)) {
		return 0, fmt.Errorf("%w: %s has more than two decimal places", ErrInvalidAmount, d.String())
	}
	return d.Shift(2).IntPart(), nil
}

func fromCents(c int64) decimal.Decimal {
	return decimal.New(c, -2)
}
