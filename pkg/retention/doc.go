// Package retention implements the customer retention workflow: a case is
// created for a complaint, specialised agents analyse it in two parallel
// stages around a strategy stage, and resolutions are proposed until a
// human reviewer approves one through the approve_resolution signal.
//
// Register wires the workflow and its activities into an engine:
//
//	acts := &retention.Activities{Store: caseStore, Agent: agentClient}
//	if err := retention.Register(eng, acts); err != nil {
//		return err
//	}
//	inst, err := eng.Start(ctx, retention.WorkflowName, retention.Complaint{
//		SubjectID:        5,
//		ComplaintDetails: "GPU delay",
//		UrgencyLevel:     retention.UrgencyUrgent,
//	})
//
// Every agent stage merges its report into the case record under the stage's
// name, so fields written by parallel branches never collide.
package retention
