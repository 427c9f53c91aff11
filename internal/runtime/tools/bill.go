package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/user/tablemate/internal/billsplit"
	"github.com/user/tablemate/internal/types"
)

// SplitBill divides a bill between participants. Amounts are decimal strings
// or numbers; the shares always add up to the total exactly.
type SplitBill struct {
	attachments types.ArtifactStore
}

// NewSplitBill creates the tool. attachments resolves receipt handles and may
// be nil.
func NewSplitBill(attachments types.ArtifactStore) *SplitBill {
	return &SplitBill{attachments: attachments}
}

func (s *SplitBill) Name() string { return "split_bill" }
func (s *SplitBill) Description() string {
	return "Split a restaurant bill. Modes: equal (total split evenly), weighted (by participant weight), itemized (each pays their items, tax and tip spread in proportion). Pass a receipt attachment handle if the user sent one."
}
func (s *SplitBill) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"$defs": {
			"money": {"type": ["string", "number"], "description": "Decimal amount, e.g. \"42.50\""}
		},
		"properties": {
			"mode": {"type": "string", "enum": ["equal", "weighted", "itemized"]},
			"total": {"$ref": "#/$defs/money"},
			"participants": {
				"type": "array",
				"minItems": 1,
				"items": {
					"type": "object",
					"properties": {
						"name": {"type": "string", "minLength": 1},
						"weight": {"type": ["string", "number"]}
					},
					"required": ["name"]
				}
			},
			"items": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"description": {"type": "string"},
						"amount": {"$ref": "#/$defs/money"},
						"owners": {"type": "array", "items": {"type": "string"}}
					},
					"required": ["amount"]
				}
			},
			"tax": {"$ref": "#/$defs/money"},
			"tip": {"$ref": "#/$defs/money"},
			"receipt": {"type": "string", "description": "Attachment handle of a receipt photo, e.g. sha256:..."}
		},
		"required": ["mode", "participants"],
		"additionalProperties": false
	}`)
}
func (s *SplitBill) MaxOutput() int { return 0 }

type splitResult struct {
	*billsplit.Allocation
	Receipt *types.AttachmentRef `json:"receipt,omitempty"`
}

func (s *SplitBill) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		billsplit.Request
		Receipt string `json:"receipt"`
	}
	if err := parseArgs(args, &params); err != nil {
		return "", err
	}

	var receipt *types.AttachmentRef
	if params.Receipt != "" {
		if s.attachments == nil {
			return "", fmt.Errorf("%w: attachments are not available", types.ErrInvalidToolArguments)
		}
		_, ref, err := s.attachments.GetAttachment(ctx, params.Receipt)
		if err != nil {
			return "", fmt.Errorf("receipt: %w", err)
		}
		receipt = ref
	}

	alloc, err := billsplit.Split(params.Request)
	if err != nil {
		return "", fmt.Errorf("split bill: %w", err)
	}
	return compactJSON(splitResult{Allocation: alloc, Receipt: receipt})
}
