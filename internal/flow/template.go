package flow

import (
	"regexp"
	"strconv"
	"strings"
)

// Template placeholders look like {{namespace.key}}. Recognized namespaces:
// sys, var, node, customer, entity, agent, event. An unresolvable key keeps
// the literal expression; an unknown namespace resolves to the empty string.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z]+)\.([a-zA-Z0-9_.\-]+)\s*\}\}`)

// ResolveTemplate substitutes every placeholder in s against the context.
func ResolveTemplate(s string, ec *ExecutionContext) string {
	if s == "" || !strings.Contains(s, "{{") {
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := placeholderPattern.FindStringSubmatch(match)
		namespace, key := groups[1], groups[2]
		value, ok := resolveNamespace(namespace, key, ec)
		if !ok {
			// Unresolved key in a known namespace keeps the literal
			// expression so misconfigurations stay visible downstream.
			return match
		}
		return value
	})
}

func resolveNamespace(namespace, key string, ec *ExecutionContext) (string, bool) {
	switch namespace {
	case "sys":
		return resolveSys(key, ec)
	case "var":
		if v, ok := ec.Variables[key]; ok {
			return v, true
		}
		return "", false
	case "node":
		if v, ok := ec.NodeOutputs[key]; ok {
			return v, true
		}
		return "", false
	case "customer":
		if key == "id" {
			return ec.CustomerID, true
		}
		if v, ok := ec.Customer[key]; ok {
			return v, true
		}
		return "", false
	case "entity":
		if v, ok := ec.Entities[key]; ok {
			return v, true
		}
		return "", false
	case "agent":
		if v, ok := ec.Variables["agent."+key]; ok {
			return v, true
		}
		return "", false
	case "event":
		if v, ok := ec.EventData[key]; ok {
			return v, true
		}
		return "", false
	default:
		// Unknown namespace resolves empty rather than leaking the raw
		// expression into user-visible text.
		return "", true
	}
}

func resolveSys(key string, ec *ExecutionContext) (string, bool) {
	switch key {
	case "query":
		return ec.Query, true
	case "lastOutput":
		return ec.LastOutput, true
	case "intent":
		return ec.Intent, true
	case "intentConfidence":
		return strconv.FormatFloat(ec.IntentConfidence, 'f', -1, 64), true
	case "sessionId":
		return ec.SessionID, true
	case "customerId":
		return ec.CustomerID, true
	case "workflowId":
		return ec.WorkflowID, true
	case "messageId":
		return ec.MessageID, true
	default:
		return "", false
	}
}
