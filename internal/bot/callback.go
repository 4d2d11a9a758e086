package bot

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/frost56k/cm-bot/internal/domain"
)

// Action — действие кнопки.
type Action string

const (
	ActionCatalog        Action = "coffee_catalog"
	ActionItem           Action = "coffee"
	ActionAddToCart      Action = "weight"
	ActionViewCart       Action = "view_cart"
	ActionClearCart      Action = "clear_cart"
	ActionCheckout       Action = "checkout"
	ActionPickup         Action = "pickup_cash"
	ActionMail           Action = "europochta_send"
	ActionCancelCheckout Action = "cancel_checkout"
	ActionIssueOrder     Action = "issue_order"
	ActionConfirmIssue   Action = "confirm_issue"
	ActionCancelIssue    Action = "cancel_issue"
)

// OperatorOnly сообщает, что действие доступно только оператору.
func (a Action) OperatorOnly() bool {
	switch a {
	case ActionIssueOrder, ActionConfirmIssue, ActionCancelIssue:
		return true
	default:
		return false
	}
}

// Callback — разобранные данные кнопки.
type Callback struct {
	Action      Action
	ItemIndex   int
	Variant     domain.Variant
	OrderNumber string
}

// String кодирует кнопку обратно в данные callback.
func (c Callback) String() string {
	switch c.Action {
	case ActionItem:
		return fmt.Sprintf("coffee_%d", c.ItemIndex)
	case ActionAddToCart:
		return fmt.Sprintf("weight_%d_%s", c.ItemIndex, c.Variant)
	case ActionIssueOrder, ActionConfirmIssue:
		return string(c.Action) + "_" + c.OrderNumber
	default:
		return string(c.Action)
	}
}

func ItemCallback(index int) string {
	return Callback{Action: ActionItem, ItemIndex: index}.String()
}

func AddCallback(index int, v domain.Variant) string {
	return Callback{Action: ActionAddToCart, ItemIndex: index, Variant: v}.String()
}

func IssueCallback(number string) string {
	return Callback{Action: ActionIssueOrder, OrderNumber: number}.String()
}

func ConfirmIssueCallback(number string) string {
	return Callback{Action: ActionConfirmIssue, OrderNumber: number}.String()
}

// ParseCallback — единственный разборщик данных кнопок.
// Неизвестные или повреждённые данные дают ErrMalformedInput.
func ParseCallback(data string) (Callback, error) {
	data = strings.TrimSpace(data)
	switch Action(data) {
	case ActionCatalog, ActionViewCart, ActionClearCart, ActionCheckout,
		ActionPickup, ActionMail, ActionCancelCheckout, ActionCancelIssue:
		return Callback{Action: Action(data)}, nil
	}

	switch {
	case strings.HasPrefix(data, "coffee_"):
		index, err := parseIndex(strings.TrimPrefix(data, "coffee_"))
		if err != nil {
			return Callback{}, malformed(data)
		}
		return Callback{Action: ActionItem, ItemIndex: index}, nil

	case strings.HasPrefix(data, "weight_"):
		parts := strings.Split(strings.TrimPrefix(data, "weight_"), "_")
		if len(parts) != 2 {
			return Callback{}, malformed(data)
		}
		index, err := parseIndex(parts[0])
		if err != nil {
			return Callback{}, malformed(data)
		}
		variant, err := domain.ParseVariant(parts[1])
		if err != nil {
			return Callback{}, malformed(data)
		}
		return Callback{Action: ActionAddToCart, ItemIndex: index, Variant: variant}, nil

	case strings.HasPrefix(data, "issue_order_"):
		return orderCallback(ActionIssueOrder, data, strings.TrimPrefix(data, "issue_order_"))

	case strings.HasPrefix(data, "confirm_issue_"):
		return orderCallback(ActionConfirmIssue, data, strings.TrimPrefix(data, "confirm_issue_"))
	}
	return Callback{}, malformed(data)
}

func orderCallback(action Action, data, number string) (Callback, error) {
	if number == "" {
		return Callback{}, malformed(data)
	}
	for _, r := range number {
		if r < '0' || r > '9' {
			return Callback{}, malformed(data)
		}
	}
	return Callback{Action: action, OrderNumber: number}, nil
}

func parseIndex(raw string) (int, error) {
	index, err := strconv.Atoi(raw)
	if err != nil || index < 0 {
		return 0, fmt.Errorf("bad index %q", raw)
	}
	return index, nil
}

func malformed(data string) error {
	return fmt.Errorf("%w: callback %q", domain.ErrMalformedInput, data)
}
