package policy

import (
	"fmt"

	"github.com/xela07ax/skillgate/internal/domain"
)

// Evaluate: чистая функция от снимка и набора правил. Ничего не читает и не пишет
// вне аргументов, результат не зависит от порядка правил.
//
// Применимы включенные правила, глобальные или привязанные к профилю задачи.
// Эффекты объединяются: block дает нарушение и запрет, require-approval поднимает
// флаг подтверждения, warn дает предупреждение, log и notify не блокируют никогда.
// Ошибка вычисления условия у block-правила считается нарушением.
func Evaluate(jc domain.JobContext, set RuleSet) domain.Decision {
	d := domain.Decision{
		CanExecute: true,
		Violations: []domain.RuleRef{},
		Warnings:   []domain.RuleRef{},
	}
	vars := Activation(jc)

	for _, c := range set.rules {
		r := c.rule
		if !r.Enabled || !r.AppliesToProfile(jc.Profile) {
			continue
		}

		matched, err := eval(c, vars)
		if err != nil {
			d.Errors = append(d.Errors, fmt.Sprintf("rule %s: %v", r.ID, err))
			if r.Action == domain.ActionBlock {
				d.Violations = append(d.Violations, r.Ref())
				d.CanExecute = false
			}
			continue
		}
		if !matched {
			continue
		}

		switch r.Action {
		case domain.ActionBlock:
			d.Violations = append(d.Violations, r.Ref())
			d.CanExecute = false
		case domain.ActionRequireApproval:
			d.RequiresApproval = true
			d.ApprovalRules = append(d.ApprovalRules, r.Ref())
		case domain.ActionWarn:
			d.Warnings = append(d.Warnings, r.Ref())
		case domain.ActionLog:
			d.Logged = append(d.Logged, r.Ref())
		case domain.ActionNotify:
			d.Notified = append(d.Notified, r.Ref())
		}
	}
	return d
}

func eval(c compiledRule, vars map[string]interface{}) (bool, error) {
	out, _, err := c.prg.Eval(vars)
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition returned %T, want bool", out.Value())
	}
	return b, nil
}

// Err превращает решение в ошибку для вызывающего: блокирующее нарушение либо nil.
func Err(d domain.Decision) error {
	if d.CanExecute {
		return nil
	}
	return &domain.PolicyError{Kind: domain.ErrPolicyViolationBlocking, Rules: d.Violations}
}
