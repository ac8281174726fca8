package agent

import (
	"github.com/omnichat/omnichat/pkg/workflow"
)

// BuildGraph wires the conversation workflow and compiles it. The graph is
// built once at startup and shared by every run.
//
//	manage_history -> check_user_profile -> load_user_context
//	  -> classify_message -> retrieve_knowledge -> generate_response
//	  -> extract_user_info -> save_user_profile -> detect_critical_action
//	       |- detected? -> create_pending_action -> execute_approved_action -+
//	       '- otherwise -----------------------------------------------------> save_response
//	  save_response
//	       |- should_summarize? -> summarize_conversation -> save_user_context -> END
//	       '- otherwise -> END
func BuildGraph(n *Nodes) (*workflow.CompiledGraph[ConversationState], error) {
	return workflow.NewGraph[ConversationState]().
		AddNode(NodeManageHistory, workflow.EffectExternalWrite, n.manageHistory).
		AddNode(NodeCheckUserProfile, workflow.EffectExternalRead, n.checkUserProfile).
		AddNode(NodeLoadUserContext, workflow.EffectExternalRead, n.loadUserContext).
		AddNode(NodeClassifyMessage, workflow.EffectExternalRead, n.classifyMessage).
		AddNode(NodeRetrieveKnowledge, workflow.EffectExternalRead, n.retrieveKnowledge).
		AddNode(NodeGenerateResponse, workflow.EffectExternalRead, n.generateResponse).
		AddNode(NodeExtractUserInfo, workflow.EffectExternalRead, n.extractUserInfo).
		AddNode(NodeSaveUserProfile, workflow.EffectExternalWrite, n.saveUserProfile).
		AddNode(NodeDetectCriticalAction, workflow.EffectPure, n.detectCriticalAction).
		AddNode(NodeCreatePendingAction, workflow.EffectExternalWrite, n.createPendingAction).
		AddNode(NodeExecuteApprovedAction, workflow.EffectExternalWrite, n.executeApprovedAction).
		AddNode(NodeSaveResponse, workflow.EffectExternalWrite, n.saveResponse).
		AddNode(NodeSummarizeConversation, workflow.EffectExternalRead, n.summarizeConversation).
		AddNode(NodeSaveUserContext, workflow.EffectExternalWrite, n.saveUserContext).
		AddEdge(NodeManageHistory, NodeCheckUserProfile).
		AddEdge(NodeCheckUserProfile, NodeLoadUserContext).
		AddEdge(NodeLoadUserContext, NodeClassifyMessage).
		AddEdge(NodeClassifyMessage, NodeRetrieveKnowledge).
		AddEdge(NodeRetrieveKnowledge, NodeGenerateResponse).
		AddEdge(NodeGenerateResponse, NodeExtractUserInfo).
		AddEdge(NodeExtractUserInfo, NodeSaveUserProfile).
		AddEdge(NodeSaveUserProfile, NodeDetectCriticalAction).
		AddConditionalEdge(NodeDetectCriticalAction, routeAfterDetection).
		AddEdge(NodeCreatePendingAction, NodeExecuteApprovedAction).
		AddEdge(NodeExecuteApprovedAction, NodeSaveResponse).
		AddConditionalEdge(NodeSaveResponse, routeAfterResponse).
		AddEdge(NodeSummarizeConversation, NodeSaveUserContext).
		AddEdge(NodeSaveUserContext, workflow.END).
		SetEntry(NodeManageHistory).
		Compile()
}

// routeAfterDetection sends detected critical actions into the approval
// flow; everything else goes straight to persistence.
func routeAfterDetection(ctx workflow.Context, s ConversationState) workflow.NodeID {
	if s.Detected != nil {
		return NodeCreatePendingAction
	}
	return NodeSaveResponse
}

// routeAfterResponse ends the turn, summarizing first when the history has
// grown enough.
func routeAfterResponse(ctx workflow.Context, s ConversationState) workflow.NodeID {
	if s.ShouldSummarize {
		return NodeSummarizeConversation
	}
	return workflow.END
}
