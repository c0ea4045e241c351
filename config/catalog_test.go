package config

import "testing"

const sampleCatalog = `
agents:
  - name: input_validator
    description: Validates the incoming request.
    system_prompt: Reject malformed requests.
    model_ref: mock
  - name: task_planner
    description: Builds a plan.
    system_prompt: Produce a plan.
    model_ref: mock
    permitted_peers: [order_specialist]
  - name: order_specialist
    description: Handles order lookups.
    system_prompt: Look up orders.
    model_ref: mock
    permitted_tools: [order_search]
workflows:
  - name: handle_order_request
    steps:
      - title_template: "Look up order"
        agent_name: order_specialist
`

func TestParse_BuildsCatalog(t *testing.T) {
	cat, err := Parse([]byte(sampleCatalog))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cat.Agents) != 3 {
		t.Fatalf("expected 3 agents, got %d", len(cat.Agents))
	}
	if _, ok := cat.Workflows["handle_order_request"]; !ok {
		t.Fatal("expected handle_order_request workflow")
	}
}

func TestParse_RejectsUndeclaredPeer(t *testing.T) {
	_, err := Parse([]byte(`
agents:
  - name: a
    system_prompt: x
    model_ref: mock
    permitted_peers: [ghost]
`))
	if err == nil {
		t.Fatal("expected validation error for undeclared peer")
	}
}

func TestParse_RejectsWorkflowReferencingUndeclaredAgent(t *testing.T) {
	_, err := Parse([]byte(`
agents:
  - name: a
    system_prompt: x
    model_ref: mock
workflows:
  - name: w1
    steps:
      - agent_name: ghost
`))
	if err == nil {
		t.Fatal("expected validation error for undeclared workflow agent")
	}
}

func TestCatalog_PeersReturnsDescriptors(t *testing.T) {
	cat, err := Parse([]byte(sampleCatalog))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	peers := cat.Peers([]string{"order_specialist"})
	if len(peers) != 1 || peers[0].Name != "order_specialist" {
		t.Fatalf("unexpected peers: %+v", peers)
	}
}
