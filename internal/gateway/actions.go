package gateway

import (
	"context"
	"encoding/json"
	"strings"

	"autosnippet/internal/pathguard"
	"autosnippet/internal/stats"
	"autosnippet/internal/types"
)

// Built-in actions.
const (
	ActionCreateRecipe     = "create:recipe"
	ActionUpdateRecipe     = "update:recipe"
	ActionDeleteRecipe     = "delete:recipe"
	ActionDeprecateRecipe  = "deprecate:recipe"
	ActionSubmitCandidate  = "submit:candidate"
	ActionApproveCandidate = "approve:candidate"
	ActionRejectCandidate  = "reject:candidate"
	ActionPromoteCandidate = "promote:candidate"
	ActionInstallSnippet   = "install:snippet"
	ActionRecordUsage      = "record:usage"
)

// requiredParams names the fields a request must carry before permission
// checks run. "id" may also arrive as req.Resource.
var requiredParams = map[string][]string{
	ActionUpdateRecipe:     {"id"},
	ActionDeleteRecipe:     {"id"},
	ActionDeprecateRecipe:  {"id", "reason"},
	ActionSubmitCandidate:  {"code"},
	ActionApproveCandidate: {"id"},
	ActionRejectCandidate:  {"id"},
	ActionPromoteCandidate: {"id", "title"},
	ActionInstallSnippet:   {"id", "installedPath"},
	ActionRecordUsage:      {"source"},
}

// validateRequired rejects requests missing a required field. These never
// reach the policy check or the audit trail.
func validateRequired(req *Request) error {
	for _, field := range requiredParams[req.Action] {
		if v, ok := req.Params[field].(string); ok && strings.TrimSpace(v) != "" {
			continue
		}
		if field == "id" && req.Resource != "" {
			continue
		}
		return types.E(types.CodeValidation, "%s needs %s", req.Action, field)
	}
	return nil
}

// =============================================================================
// RECIPE ACTIONS
// =============================================================================

// recipeFromParams decodes a full recipe object out of req.Params.
func recipeFromParams(req *Request) (*types.Recipe, error) {
	raw, err := json.Marshal(req.Params)
	if err != nil {
		return nil, types.Wrap(types.CodeValidation, err, "encode params")
	}
	var rec types.Recipe
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, types.Wrap(types.CodeValidation, err, "malformed recipe")
	}
	return &rec, nil
}

func (g *Gateway) createRecipe(ctx context.Context, req *Request) (interface{}, error) {
	rec, err := recipeFromParams(req)
	if err != nil {
		return nil, err
	}
	if rec.ID == "" {
		rec.ID = pathguard.NewID()
	}
	if rec.Status == "" {
		rec.Status = types.RecipeDraft
	}
	if rec.Kind == "" {
		rec.Kind = types.KindForKnowledgeType(rec.KnowledgeType)
	}
	if err := g.store.Recipes().Create(ctx, rec); err != nil {
		return nil, err
	}
	return map[string]interface{}{"id": rec.ID, "status": rec.Status}, nil
}

func (g *Gateway) updateRecipe(ctx context.Context, req *Request) (interface{}, error) {
	rec, err := recipeFromParams(req)
	if err != nil {
		return nil, err
	}
	if rec.ID == "" {
		rec.ID = req.Resource
	}
	if rec.ID == "" {
		return nil, types.E(types.CodeValidation, "update:recipe needs an id")
	}
	existing, err := g.store.Recipes().Get(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	rec.CreatedAt = existing.CreatedAt
	if err := g.store.Recipes().Update(ctx, rec); err != nil {
		return nil, err
	}
	return map[string]interface{}{"id": rec.ID}, nil
}

func (g *Gateway) deleteRecipe(ctx context.Context, req *Request) (interface{}, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		p.ID = req.Resource
	}
	if p.ID == "" {
		return nil, types.E(types.CodeValidation, "delete:recipe needs an id")
	}
	if err := g.store.Recipes().Delete(ctx, p.ID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"id": p.ID}, nil
}

func (g *Gateway) deprecateRecipe(ctx context.Context, req *Request) (interface{}, error) {
	var p struct {
		ID     string `json:"id"`
		Reason string `json:"reason"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		p.ID = req.Resource
	}
	if p.ID == "" || p.Reason == "" {
		return nil, types.E(types.CodeValidation, "deprecate:recipe needs id and reason")
	}
	rec, err := g.store.Recipes().Get(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if err := rec.Transition(types.RecipeDeprecated, p.Reason); err != nil {
		return nil, err
	}
	if err := g.store.Recipes().Update(ctx, rec); err != nil {
		return nil, err
	}
	return map[string]interface{}{"id": rec.ID, "status": rec.Status}, nil
}

// =============================================================================
// CANDIDATE ACTIONS
// =============================================================================

func (g *Gateway) submitCandidate(ctx context.Context, req *Request) (interface{}, error) {
	var p struct {
		Code      string                 `json:"code"`
		Language  string                 `json:"language"`
		Category  string                 `json:"category,omitempty"`
		Source    string                 `json:"source"`
		CreatedBy string                 `json:"createdBy,omitempty"`
		Reasoning *types.Reasoning       `json:"reasoning,omitempty"`
		Metadata  map[string]interface{} `json:"metadata,omitempty"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if p.Code == "" {
		return nil, types.E(types.CodeValidation, "submit:candidate needs code")
	}
	if p.Source == "" {
		p.Source = types.SourceManual
	}
	createdBy := p.CreatedBy
	if createdBy == "" {
		createdBy = req.Actor
	}
	cand := types.NewCandidate(pathguard.NewID(), p.Code, p.Language, p.Source, createdBy)
	cand.Category = p.Category
	cand.Reasoning = p.Reasoning
	cand.Metadata = p.Metadata
	if err := g.store.Candidates().Create(ctx, cand); err != nil {
		return nil, err
	}
	return map[string]interface{}{"id": cand.ID, "status": cand.Status}, nil
}

func (g *Gateway) approveCandidate(ctx context.Context, req *Request) (interface{}, error) {
	return g.transitionCandidate(ctx, req, types.CandidateApproved)
}

func (g *Gateway) rejectCandidate(ctx context.Context, req *Request) (interface{}, error) {
	return g.transitionCandidate(ctx, req, types.CandidateRejected)
}

func (g *Gateway) transitionCandidate(ctx context.Context, req *Request, to types.CandidateStatus) (interface{}, error) {
	var p struct {
		ID     string `json:"id"`
		Reason string `json:"reason,omitempty"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		p.ID = req.Resource
	}
	if p.ID == "" {
		return nil, types.E(types.CodeValidation, "candidate id is required")
	}
	cand, err := g.store.Candidates().Get(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if err := cand.Transition(to, req.Actor, p.Reason); err != nil {
		return nil, err
	}
	if err := g.store.Candidates().Update(ctx, cand); err != nil {
		return nil, err
	}
	return map[string]interface{}{"id": cand.ID, "status": cand.Status}, nil
}

// promoteCandidate applies an approved candidate and creates a draft recipe
// from it. AI-sourced candidates must have passed human review; manual ones
// may promote straight from pending.
func (g *Gateway) promoteCandidate(ctx context.Context, req *Request) (interface{}, error) {
	var p struct {
		ID            string `json:"id"`
		Title         string `json:"title"`
		Category      string `json:"category,omitempty"`
		KnowledgeType string `json:"knowledgeType,omitempty"`
		Trigger       string `json:"trigger,omitempty"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		p.ID = req.Resource
	}
	if p.ID == "" || p.Title == "" {
		return nil, types.E(types.CodeValidation, "promote:candidate needs id and title")
	}

	cand, err := g.store.Candidates().Get(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if cand.Status == types.CandidatePending {
		if cand.RequiresHumanReview() || reviewRequired(ctx) {
			return nil, types.E(types.CodePermissionDenied,
				"candidate %s from source %q requires human approval before promotion", cand.ID, cand.Source)
		}
		if err := cand.Transition(types.CandidateApproved, req.Actor, "auto-approved on promote"); err != nil {
			return nil, err
		}
	}
	if err := cand.Transition(types.CandidateApplied, req.Actor, ""); err != nil {
		return nil, err
	}

	kt := types.KnowledgeType(p.KnowledgeType)
	if kt == "" {
		kt = types.KTCodePattern
	}
	rec := types.NewRecipe(pathguard.NewID(), p.Title, cand.Language, firstNonEmpty(p.Category, cand.Category), kt)
	rec.Content.Pattern = cand.Code
	rec.Trigger = p.Trigger
	rec.SourceCandidateID = cand.ID
	cand.AppliedRecipeID = rec.ID

	if err := g.store.Recipes().Create(ctx, rec); err != nil {
		return nil, err
	}
	if err := g.store.Candidates().Update(ctx, cand); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"candidateId": cand.ID,
		"recipeId":    rec.ID,
		"status":      rec.Status,
	}, nil
}

// =============================================================================
// SNIPPET + USAGE ACTIONS
// =============================================================================

func (g *Gateway) installSnippet(ctx context.Context, req *Request) (interface{}, error) {
	var p struct {
		ID            string `json:"id"`
		InstalledPath string `json:"installedPath"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		p.ID = req.Resource
	}
	if p.ID == "" || p.InstalledPath == "" {
		return nil, types.E(types.CodeValidation, "install:snippet needs id and installedPath")
	}
	if err := pathguard.AssertProjectWriteSafe(g.root, p.InstalledPath); err != nil {
		return nil, err
	}
	if err := g.store.Snippets().MarkInstalled(ctx, p.ID, p.InstalledPath); err != nil {
		return nil, err
	}
	return map[string]interface{}{"id": p.ID, "installedPath": p.InstalledPath}, nil
}

func (g *Gateway) recordUsage(ctx context.Context, req *Request) (interface{}, error) {
	var p struct {
		Trigger        string `json:"trigger,omitempty"`
		RecipeFilePath string `json:"recipeFilePath,omitempty"`
		Source         string `json:"source"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	u := stats.Usage{Trigger: p.Trigger, RecipeFilePath: p.RecipeFilePath, Source: p.Source}
	if err := g.stats.RecordUsage(u); err != nil {
		return nil, err
	}
	return map[string]interface{}{"recorded": true}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
