package toolregistry

import (
	"fmt"
	"strings"
	"sync"

	"github.com/n0iac/agentcore/core"
	"github.com/n0iac/agentcore/tool"
)

// OrderSearchTool is a read-only, idempotent reference tool: repeated calls
// with the same query are safe to retry or replay without side effects.
type OrderSearchTool struct {
	mu     sync.RWMutex
	orders map[string]map[string]interface{}
}

// NewOrderSearchTool seeds a small fixture catalog for demos and tests.
func NewOrderSearchTool() *OrderSearchTool {
	return &OrderSearchTool{orders: map[string]map[string]interface{}{
		"ORD-1001": {"id": "ORD-1001", "customer": "ACME", "status": "shipped", "total": 430.00},
		"ORD-1002": {"id": "ORD-1002", "customer": "ACME", "status": "pending", "total": 128.50},
		"ORD-1003": {"id": "ORD-1003", "customer": "Globex", "status": "delivered", "total": 75.00},
	}}
}

func (t *OrderSearchTool) Name() string        { return "order_search" }
func (t *OrderSearchTool) Description() string { return "Searches orders by customer name or order id." }

func (t *OrderSearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Customer name or order id substring to search for.",
			},
		},
		"required": []string{"query"},
	}
}

func (t *OrderSearchTool) Call(toolCtx *core.ToolContext, args map[string]interface{}) (interface{}, error) {
	query, _ := args["query"].(string)
	t.mu.RLock()
	defer t.mu.RUnlock()

	var matches []map[string]interface{}
	for id, order := range t.orders {
		customer, _ := order["customer"].(string)
		if query == "" || contains(id, query) || contains(customer, query) {
			matches = append(matches, order)
		}
	}
	return map[string]interface{}{"query": query, "count": len(matches), "orders": matches}, nil
}

func contains(haystack, needle string) bool {
	if needle == "" {
		return true
	}
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// CreatePOTool is a non-idempotent reference tool: each call that succeeds
// creates a new purchase order, so it must run through the ToolRegistry's
// idempotency gate rather than being retried blindly on failure.
type CreatePOTool struct {
	mu   sync.Mutex
	next int
}

// NewCreatePOTool constructs a create_po tool starting its sequence at 1.
func NewCreatePOTool() *CreatePOTool { return &CreatePOTool{next: 1} }

func (t *CreatePOTool) Name() string        { return "create_po" }
func (t *CreatePOTool) Description() string { return "Creates a purchase order for a supplier and amount." }

func (t *CreatePOTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"supplier": map[string]interface{}{"type": "string", "description": "Supplier identifier."},
			"amount":   map[string]interface{}{"type": "string", "description": "Purchase order amount."},
		},
		"required": []string{"supplier", "amount"},
	}
}

func (t *CreatePOTool) Call(toolCtx *core.ToolContext, args map[string]interface{}) (interface{}, error) {
	supplier, ok := args["supplier"].(string)
	if !ok || supplier == "" {
		return nil, tool.NewToolError(t.Name(), "supplier is required", "VALIDATION_ERROR")
	}
	amount, ok := args["amount"].(string)
	if !ok || amount == "" {
		return nil, tool.NewToolError(t.Name(), "amount is required", "VALIDATION_ERROR")
	}

	t.mu.Lock()
	poID := fmt.Sprintf("PO-%04d", t.next)
	t.next++
	t.mu.Unlock()

	return map[string]interface{}{"po_id": poID, "supplier": supplier, "amount": amount, "success": true}, nil
}
