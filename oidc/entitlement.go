package oidc

import (
	"errors"
	"fmt"

	"github.com/d5/tengo/v2"
	"github.com/d5/tengo/v2/stdlib"

	log "github.com/sirupsen/logrus"
)

var (
	ErrRuleAddVariable = errors.New("error adding variable to entitlement rule before compile")
	ErrRuleCompile     = errors.New("error compiling entitlement rule")
	ErrRuleSetVariable = errors.New("error setting variable in entitlement rule")
	ErrRuleRun         = errors.New("error running entitlement rule")
	ErrRuleResMissing  = errors.New("variable __res__ not found after rule evaluation")
	ErrRuleResNotBool  = errors.New("variable __res__ is not a bool after rule evaluation")
)

// DefaultEntitlementRule grants access when the provider lists the premium
// product for the user.
const DefaultEntitlementRule = `func() { for p in user.products { if p == "premium" { return true } }; return false }()`

// The EntitlementRule contains a compiled Tengo expression deciding whether
// a user's claims grant premium access.
type EntitlementRule struct {
	compiled *tengo.Compiled
}

// NewEntitlementRule creates a new EntitlementRule by compiling the given
// expression string. It returns ErrRuleCompile if the compilation fails.
func NewEntitlementRule(expression string) (*EntitlementRule, error) {
	script := tengo.NewScript([]byte(fmt.Sprintf(`
		math := import("math")
		text := import("text")
		times := import("times")
		__res__ := (%s)
	`, expression)))
	// import standard libraries
	script.SetImports(stdlib.GetModuleMap("math", "text", "times"))
	// set predefined variables
	err := script.Add("user", map[string]any{})
	if err != nil {
		log.WithError(err).Error(ErrRuleAddVariable.Error())
		return nil, ErrRuleAddVariable
	}
	compiled, err := script.Compile()
	if err != nil {
		log.WithError(err).Error(ErrRuleCompile.Error())
		return nil, ErrRuleCompile
	}
	return &EntitlementRule{
		compiled: compiled,
	}, nil
}

// Eval evaluates the rule against the provided user value map.
// It returns the boolean result of the evaluation or an error if the
// evaluation fails.
func (e *EntitlementRule) Eval(value map[string]any) (bool, error) {
	cloned := e.compiled.Clone()
	err := cloned.Set("user", value)
	if err != nil {
		log.WithError(err).Error(ErrRuleSetVariable.Error())
		return false, ErrRuleSetVariable
	}
	err = cloned.Run()
	if err != nil {
		log.WithError(err).Error(ErrRuleRun.Error())
		return false, ErrRuleRun
	}
	v := cloned.Get("__res__")
	if v == nil {
		log.Error(ErrRuleResMissing.Error())
		return false, ErrRuleResMissing
	}
	result, ok := v.Value().(bool)
	if !ok {
		log.Error(ErrRuleResNotBool.Error())
		return false, ErrRuleResNotBool
	}
	return result, nil
}

// entitlementInput shapes identity claims into the rule's "user" variable.
func entitlementInput(name string, products []string) map[string]any {
	vals := make([]any, 0, len(products))
	for _, p := range products {
		vals = append(vals, p)
	}
	return map[string]any{
		"name":     name,
		"products": vals,
	}
}
