package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/FlowDesk/internal/genai"
	"github.com/BTreeMap/FlowDesk/internal/models"
	"github.com/BTreeMap/FlowDesk/internal/tools"
)

// Node is one executable workflow step. Implementations are stateless aside
// from their decoded configuration and injected services; the same instance
// may be invoked by many concurrent runs, each with its own context.
type Node interface {
	Execute(ctx context.Context, ec *ExecutionContext) (*NodeResult, error)
}

// Deps bundles the shared services injected into node constructors.
type Deps struct {
	GenAI    genai.ClientInterface
	Tools    tools.Executor
	History  HistoryStore
	Know     KnowledgeStore
	Metadata MetadataStore
	Sessions *AgentSessionManager
	Delay    DelayQueue
	Notifier EscalationNotifier
	Subflows SubflowRunner
}

// Factory builds a node instance from its raw configuration at graph-load
// time, decoding the type-specific config struct and applying defaults.
type Factory func(cfg models.NodeConfig, deps *Deps) (Node, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[models.NodeType]Factory)
)

// RegisterNodeType adds a factory for a node type. Called from init();
// replacing an existing registration is allowed so tests can stub types.
func RegisterNodeType(t models.NodeType, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[t]; exists {
		slog.Debug("flow.RegisterNodeType: replacing registration", "type", t)
	}
	registry[t] = f
}

// NodeFactory returns the factory for a node type.
func NodeFactory(t models.NodeType) (Factory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownNodeType, t)
	}
	return f, nil
}

func init() {
	RegisterNodeType(models.NodeTypeStart, newStartNode)
	RegisterNodeType(models.NodeTypeEnd, newEndNode)
	RegisterNodeType(models.NodeTypeReply, newReplyNode)
	RegisterNodeType(models.NodeTypeVariable, newVariableNode)
	RegisterNodeType(models.NodeTypeAPI, newAPINode)
	RegisterNodeType(models.NodeTypeKnowledge, newKnowledgeNode)
	RegisterNodeType(models.NodeTypeTranslation, newTranslationNode)
	RegisterNodeType(models.NodeTypeSetMetadata, newSetMetadataNode)
	RegisterNodeType(models.NodeTypeImageTextSplit, newImageTextSplitNode)
	RegisterNodeType(models.NodeTypeHumanTransfer, newHumanTransferNode)
	RegisterNodeType(models.NodeTypeLLM, newLLMNode)
	RegisterNodeType(models.NodeTypeAgent, newAgentNode)
	RegisterNodeType(models.NodeTypeFlow, newFlowNode)
	RegisterNodeType(models.NodeTypeFlowUpdate, newFlowUpdateNode)
	RegisterNodeType(models.NodeTypeAgentEnd, newAgentEndNode)
	RegisterNodeType(models.NodeTypeDelay, newDelayNode)
	RegisterNodeType(models.NodeTypeCondition, newConditionNode)
	RegisterNodeType(models.NodeTypeIntent, newIntentNode)
	RegisterNodeType(models.NodeTypeParamExtract, newParamExtractNode)
	RegisterNodeType(models.NodeTypeTool, newToolNode)
	RegisterNodeType(models.NodeTypeYesNo, newYesNoNode)
}
