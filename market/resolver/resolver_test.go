package resolver

import (
	"testing"

	"golemmarket/market/model"
)

func TestEqualsWildcard(t *testing.T) {
	expr, err := Parse("(golem.runtime.name=wasm*)")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	props := model.PropertySet{"golem.runtime.name": model.StringValue("wasmtime")}
	if got := expr.Resolve(props); got != True {
		t.Fatalf("expected True, got %s", got)
	}
	props["golem.runtime.name"] = model.StringValue("docker")
	if got := expr.Resolve(props); got != False {
		t.Fatalf("expected False, got %s", got)
	}
}

func TestEqualsOnMissingPropertyIsUndefined(t *testing.T) {
	expr, err := Parse("(cpu.cores=4)")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := expr.Resolve(model.PropertySet{}); got != Undefined {
		t.Fatalf("expected Undefined, got %s", got)
	}
}

func TestAndShortCircuitsOnFalse(t *testing.T) {
	expr, err := Parse("(&(cpu.cores>=4)(memory.gib>=2))")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	props := model.PropertySet{
		"cpu.cores":   model.IntValue(2),
		"memory.gib":  model.IntValue(8),
	}
	if got := expr.Resolve(props); got != False {
		t.Fatalf("expected False, got %s", got)
	}
}

func TestAndYieldsUndefinedWithoutFalse(t *testing.T) {
	expr, err := Parse("(&(cpu.cores>=4)(memory.gib>=2))")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	props := model.PropertySet{
		"cpu.cores": model.IntValue(8),
	}
	if got := expr.Resolve(props); got != Undefined {
		t.Fatalf("expected Undefined, got %s", got)
	}
}

func TestOrShortCircuitsOnTrue(t *testing.T) {
	expr, err := Parse("(|(cpu.cores>=4)(memory.gib>=2))")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	props := model.PropertySet{"cpu.cores": model.IntValue(8)}
	if got := expr.Resolve(props); got != True {
		t.Fatalf("expected True, got %s", got)
	}
}

func TestNotInvertsTrueFalseButNotUndefined(t *testing.T) {
	expr, err := Parse("(!(cpu.cores>=4))")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := expr.Resolve(model.PropertySet{"cpu.cores": model.IntValue(2)}); got != True {
		t.Fatalf("expected True, got %s", got)
	}
	if got := expr.Resolve(model.PropertySet{}); got != Undefined {
		t.Fatalf("expected Undefined, got %s", got)
	}
}

func TestPresent(t *testing.T) {
	expr, err := Parse("(cpu.cores=*)")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := expr.Resolve(model.PropertySet{"cpu.cores": model.IntValue(1)}); got != True {
		t.Fatalf("expected True, got %s", got)
	}
	if got := expr.Resolve(model.PropertySet{}); got != False {
		t.Fatalf("expected False, got %s", got)
	}
}

func TestVersionCoercion(t *testing.T) {
	expr, err := Parse("(runtime.version$v>=1.2.0)")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	props := model.PropertySet{"runtime.version": model.StringValue("1.5.0")}
	if got := expr.Resolve(props); got != True {
		t.Fatalf("expected True, got %s", got)
	}
}

func TestVersionCoercionUnparsableIsUndefined(t *testing.T) {
	expr, err := Parse("(runtime.version$v>=1.2.0)")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	props := model.PropertySet{"runtime.version": model.StringValue("not-a-version")}
	if got := expr.Resolve(props); got != Undefined {
		t.Fatalf("expected Undefined, got %s", got)
	}
}

func TestEmptyFilterAlwaysMatches(t *testing.T) {
	expr, err := Parse("")
	if err != nil {
		t.Fatalf("parse empty: %v", err)
	}
	if got := expr.Resolve(model.PropertySet{}); got != True {
		t.Fatalf("expected True for empty filter, got %s", got)
	}
}

func TestMatchesRequiresBothSidesTrue(t *testing.T) {
	demandConstraint, err := Parse("(cpu.cores>=4)")
	if err != nil {
		t.Fatalf("parse demand: %v", err)
	}
	offerConstraint, err := Parse("(price<=10)")
	if err != nil {
		t.Fatalf("parse offer: %v", err)
	}
	offerProps := model.PropertySet{"cpu.cores": model.IntValue(8)}
	demandProps := model.PropertySet{"price": model.IntValue(5)}
	if !Matches(demandConstraint, offerConstraint, offerProps, demandProps) {
		t.Fatalf("expected match")
	}

	demandProps["price"] = model.IntValue(50)
	if Matches(demandConstraint, offerConstraint, offerProps, demandProps) {
		t.Fatalf("expected no match when offer constraint fails")
	}
}
