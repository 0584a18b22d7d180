package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/convoyai/convoy/internal/codemode"
	"github.com/convoyai/convoy/internal/observability"
	"github.com/convoyai/convoy/internal/rules"
	"github.com/convoyai/convoy/pkg/models"
)

// ruleGroup is the group name of tools contributed by context rules.
const ruleGroup = "context-rule"

// augmentState computes the per-read view: enabled context rules, prompt
// fragments, resolved runtime tools, and codemode substitution. It is
// recomputed on every read and never cached.
func (en *Engine) augmentState(ctx context.Context, st models.State) (models.AugmentedState, error) {
	pass, err := en.augmentPass(ctx, st)
	if err != nil {
		return models.AugmentedState{}, err
	}

	policies := enabledPolicies(pass.enabled)
	bucket, normal, err := partitionCodemode(pass.tools, policies)
	if err != nil {
		return models.AugmentedState{}, err
	}

	if len(bucket) > 0 && en.hosts.SetupCodemode == nil {
		en.logger.Warn("codemode policy matched but no evaluator is configured; substitution skipped")
		bucket = nil
	}

	if len(bucket) > 0 {
		// Substitution can change what the rules see, so rules are
		// re-evaluated once; the substitution itself is applied at
		// most once per read.
		pass, err = en.augmentPass(ctx, st)
		if err != nil {
			return models.AugmentedState{}, err
		}
		policies = enabledPolicies(pass.enabled)
		bucket, normal, err = partitionCodemode(pass.tools, policies)
		if err != nil {
			return models.AugmentedState{}, err
		}
	}

	aug := models.AugmentedState{
		State:                    st,
		EnabledContextRules:      pass.enabled,
		EphemeralPromptFragments: pass.fragments,
		ToolSpecs:                pass.specs,
		MCPServers:               pass.mcpServers,
		RuntimeTools:             pass.tools,
		GroupedRuntimeTools:      pass.grouped,
	}

	if len(bucket) > 0 {
		originalTools := append([]models.RuntimeTool(nil), pass.tools...)
		surface := codemode.GenerateSurface(bucket, st.RecordedToolCalls)
		cmTool := codemode.BuildTool(codemode.ToolConfig{
			Setup:   en.codemodeSetup(),
			Surface: surface,
			Tools:   bucket,
			Invoke: func(innerCtx context.Context, call models.ToolCall) (models.ToolOutcome, error) {
				return en.invokeAgainst(innerCtx, originalTools, policies, call), nil
			},
		})
		aug.RuntimeTools = append(append([]models.RuntimeTool(nil), normal...), cmTool)
		aug.GroupedRuntimeTools[codemode.ToolName] = []models.RuntimeTool{cmTool}
		aug.EphemeralPromptFragments[codemode.ToolName] = codemode.PromptFragment(surface)
		names := make([]string, len(bucket))
		for i, t := range bucket {
			names[i] = t.Spec.Name
		}
		aug.CodemodeEnabledTools = names
	}

	return aug, nil
}

// codemodeSetup hands out the host evaluator, metered when metrics are
// configured.
func (en *Engine) codemodeSetup() codemode.SetupFunc {
	setup := en.hosts.SetupCodemode
	if en.cfg.Metrics == nil {
		return setup
	}
	return func(ctx context.Context, funcs map[string]codemode.ToolFunc) (codemode.Evaluator, error) {
		inner, err := setup(ctx, funcs)
		if err != nil {
			return nil, err
		}
		return &meteredEvaluator{inner: inner, metrics: en.cfg.Metrics}, nil
	}
}

type meteredEvaluator struct {
	inner   codemode.Evaluator
	metrics *observability.Metrics
}

func (m *meteredEvaluator) Eval(ctx context.Context, code, statusText string) (codemode.EvalResult, error) {
	result, err := m.inner.Eval(ctx, code, statusText)
	status := "success"
	if err != nil {
		status = "error"
	}
	m.metrics.CodemodeEvaluations.WithLabelValues(status).Inc()
	return result, err
}

func (m *meteredEvaluator) Close() error { return m.inner.Close() }

type augmentedPass struct {
	enabled    []models.ContextRule
	fragments  map[string]string
	specs      []models.ToolSpec
	mcpServers []models.MCPServer
	tools      []models.RuntimeTool
	grouped    map[string][]models.RuntimeTool
}

// augmentPass runs steps 1–5 of augmentation: match rules, merge prompts,
// resolve tools, collect MCP servers, flatten.
func (en *Engine) augmentPass(ctx context.Context, st models.State) (augmentedPass, error) {
	pass := augmentedPass{
		fragments: map[string]string{},
		grouped:   map[string][]models.RuntimeTool{},
	}

	var matchData any
	if en.hosts.GetRuleMatchData != nil {
		var err error
		matchData, err = en.hosts.GetRuleMatchData(ctx, st)
		if err != nil {
			return pass, fmt.Errorf("get rule match data: %w", err)
		}
	}

	keys := make([]string, 0, len(st.ContextRules))
	for k := range st.ContextRules {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		rule := st.ContextRules[key]
		ok, err := rules.Match(rule.Matcher, matchData)
		if err != nil {
			return pass, fmt.Errorf("context rule %s: %w", key, err)
		}
		if !ok {
			continue
		}
		pass.enabled = append(pass.enabled, rule)
		if rule.Prompt != "" {
			pass.fragments[rule.Key] = rule.Prompt
		}
		for _, spec := range rule.Tools {
			spec.Group = ruleGroup
			pass.specs = append(pass.specs, spec)
		}
		pass.mcpServers = append(pass.mcpServers, rule.MCPServers...)
	}

	if len(pass.specs) > 0 && en.hosts.ResolveTools != nil {
		tools, err := en.hosts.ResolveTools(ctx, pass.specs)
		if err != nil {
			return pass, fmt.Errorf("resolve tools: %w", err)
		}
		pass.grouped[ruleGroup] = tools
	}

	for _, group := range groupOrder(pass.grouped) {
		pass.tools = append(pass.tools, pass.grouped[group]...)
	}
	return pass, nil
}

func groupOrder(grouped map[string][]models.RuntimeTool) []string {
	groups := make([]string, 0, len(grouped))
	for g := range grouped {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	return groups
}

func enabledPolicies(enabled []models.ContextRule) []models.ToolPolicy {
	var policies []models.ToolPolicy
	for _, rule := range enabled {
		policies = append(policies, rule.ToolPolicies...)
	}
	return policies
}

// partitionCodemode splits runtime tools into the codemode bucket and the
// normal remainder. A tool lands in the bucket when any policy with a
// codemode matcher matches its descriptor.
func partitionCodemode(tools []models.RuntimeTool, policies []models.ToolPolicy) (bucket, normal []models.RuntimeTool, err error) {
	for _, tool := range tools {
		descriptor := map[string]any{
			"name":        tool.Spec.Name,
			"description": tool.Spec.Description,
			"parameters":  tool.Spec.Parameters,
		}
		flagged := false
		for _, policy := range policies {
			if policy.Codemode == "" {
				continue
			}
			ok, merr := rules.Match(policy.Codemode, descriptor)
			if merr != nil {
				return nil, nil, fmt.Errorf("codemode policy: %w", merr)
			}
			if ok {
				flagged = true
				break
			}
		}
		if flagged && tool.Local() {
			bucket = append(bucket, tool)
		} else {
			normal = append(normal, tool)
		}
	}
	return bucket, normal, nil
}
