package core

import "testing"

func FuzzEvaluateNegationSymmetry(f *testing.F) {
	f.Add("US", "US", int64(25), int64(18))
	f.Add("US", "CA", int64(17), int64(18))
	f.Add("", "US", int64(0), int64(0))

	f.Fuzz(func(t *testing.T, country, wantCountry string, age, threshold int64) {
		ft := FieldTypes{"country": FieldString, "age": FieldInt}
		context := map[string]any{"country": country, "age": float64(age)}

		eq := Node{Kind: NodeField, Field: "country", Op: OpEq, Values: []any{wantCountry}}
		neq := Node{Kind: NodeField, Field: "country", Op: OpNeq, Values: []any{wantCountry}}
		eqOut, eqErr := Evaluate(eq, context, ft)
		neqOut, neqErr := Evaluate(neq, context, ft)
		if eqErr != nil || neqErr != nil {
			return
		}
		if eqOut == neqOut {
			t.Fatalf("eq/neq not symmetric for country=%q want=%q: eq=%v neq=%v", country, wantCountry, eqOut, neqOut)
		}

		gte := Node{Kind: NodeField, Field: "age", Op: OpGte, Values: []any{float64(threshold)}}
		lt := Node{Kind: NodeField, Field: "age", Op: OpLt, Values: []any{float64(threshold)}}
		gteOut, gteErr := Evaluate(gte, context, ft)
		ltOut, ltErr := Evaluate(lt, context, ft)
		if gteErr != nil || ltErr != nil {
			return
		}
		if gteOut == ltOut {
			t.Fatalf("gte/lt not complementary for age=%d threshold=%d: gte=%v lt=%v", age, threshold, gteOut, ltOut)
		}

		not := Node{Kind: NodeNot, Children: []Node{eq}}
		notOut, notErr := Evaluate(not, context, ft)
		if notErr != nil {
			return
		}
		if notOut == eqOut {
			t.Fatalf("not(eq) did not negate eq for country=%q want=%q", country, wantCountry)
		}
	})
}

func FuzzGlobMatchNoPanic(f *testing.F) {
	f.Add("*", "anything")
	f.Add("foo*bar", "foobazbar")
	f.Add("", "")

	f.Fuzz(func(t *testing.T, pattern, value string) {
		_ = globMatch(pattern, value)
	})
}
