package workflow

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateTemplateAcceptsValidGraph(t *testing.T) {
	tpl := &WorkflowTemplate{Stages: editorialStages()}
	require.NoError(t, ValidateTemplate(tpl))
}

func TestValidateTemplateRejectsEmptyStages(t *testing.T) {
	err := ValidateTemplate(&WorkflowTemplate{})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestValidateTemplateRejectsDuplicateStageID(t *testing.T) {
	tpl := &WorkflowTemplate{Stages: []Stage{
		{ID: "a", Type: StageTypeReview},
		{ID: "a", Type: StageTypeApproval},
	}}
	err := ValidateTemplate(tpl)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "a", verr.StageID)
}

func TestValidateTemplateRejectsDanglingEdge(t *testing.T) {
	tpl := &WorkflowTemplate{Stages: []Stage{
		{ID: "a", NextStages: []string{"missing"}},
	}}
	err := ValidateTemplate(tpl)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "a", verr.StageID)
	require.Contains(t, verr.Reason, "missing")
}

func TestValidateTemplateRejectsUnknownTrigger(t *testing.T) {
	tpl := &WorkflowTemplate{Stages: []Stage{
		{ID: "a", AutomationRules: []AutomationRule{
			{ID: "r1", Trigger: "solar_eclipse", IsActive: true},
		}},
	}}
	var verr *ValidationError
	require.ErrorAs(t, ValidateTemplate(tpl), &verr)
}

func TestValidateTemplateRejectsUnknownActionType(t *testing.T) {
	tpl := &WorkflowTemplate{Stages: []Stage{
		{ID: "a", AutomationRules: []AutomationRule{
			{ID: "r1", Trigger: TriggerStageEntered, Actions: []RuleAction{{Type: "launch_rocket"}}},
		}},
	}}
	var verr *ValidationError
	require.ErrorAs(t, ValidateTemplate(tpl), &verr)
}

func TestValidateTemplateRejectsUnknownLogic(t *testing.T) {
	tpl := &WorkflowTemplate{Stages: []Stage{
		{ID: "a", AutomationRules: []AutomationRule{
			{ID: "r1", Trigger: TriggerStageEntered, Logic: "xor"},
		}},
	}}
	var verr *ValidationError
	require.ErrorAs(t, ValidateTemplate(tpl), &verr)
}

func TestValidateTaskDependenciesDetectsCycle(t *testing.T) {
	tasks := []*WorkflowTask{
		{ID: "t1", DependsOn: []string{"t2"}},
		{ID: "t2", DependsOn: []string{"t3"}},
		{ID: "t3", DependsOn: []string{"t1"}},
	}
	err := ValidateTaskDependencies(tasks)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Reason, "环")
}

func TestValidateTaskDependenciesRejectsMissingTask(t *testing.T) {
	tasks := []*WorkflowTask{
		{ID: "t1", DependsOn: []string{"ghost"}},
	}
	var verr *ValidationError
	require.ErrorAs(t, ValidateTaskDependencies(tasks), &verr)
}

func TestValidateTaskDependenciesAcceptsDAG(t *testing.T) {
	tasks := []*WorkflowTask{
		{ID: "t1"},
		{ID: "t2", DependsOn: []string{"t1"}},
		{ID: "t3", DependsOn: []string{"t1", "t2"}},
	}
	require.NoError(t, ValidateTaskDependencies(tasks))
}
