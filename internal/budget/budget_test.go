package budget

import (
	"reflect"
	"strings"
	"testing"

	"github.com/cloudwego/eino/schema"
)

func Test_Estimate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		input string
		want  int
	}{
		{"", 0},
		{"a", 1},        // < 4 chars → 1
		{"abcd", 1},     // exactly 4 chars → 1
		{"abcdefgh", 2}, // 8 chars → 2
		{strings.Repeat("x", 400), 100},
	}
	for _, tc := range cases {
		if got := Estimate(tc.input); got != tc.want {
			t.Errorf("Estimate(%q) = %d, want %d", tc.input, got, tc.want)
		}
	}
}

func Test_EstimateMessages(t *testing.T) {
	t.Parallel()
	msgs := []*schema.Message{
		schema.UserMessage("hello world"),
		schema.UserMessage("hello world"),
	}
	// Each message: 4 overhead + Estimate("user")=1 + Estimate("hello world")=2 = 7.
	if got := EstimateMessages(msgs); got != 14 {
		t.Errorf("EstimateMessages = %d, want 14", got)
	}
}

func Test_Plan(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name      string
		costs     []int
		maxItems  int
		maxTokens int
		want      []Batch
	}{
		{"empty", nil, 10, 100, nil},
		{"item limit", []int{1, 1, 1, 1, 1}, 2, 0, []Batch{{0, 2}, {2, 4}, {4, 5}}},
		{"token limit", []int{40, 40, 40}, 10, 100, []Batch{{0, 2}, {2, 3}}},
		{"oversized item isolated", []int{10, 500, 10}, 10, 100, []Batch{{0, 1}, {1, 2}, {2, 3}}},
		{"exact fit", []int{50, 50}, 10, 100, []Batch{{0, 2}}},
		{"no limits", []int{1, 2, 3}, 0, 0, []Batch{{0, 3}}},
	}
	for _, tc := range cases {
		got := Plan(tc.costs, tc.maxItems, tc.maxTokens)
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func Test_Plan_CoversEveryItemOnce(t *testing.T) {
	t.Parallel()
	costs := make([]int, 97)
	for i := range costs {
		costs[i] = (i*37)%120 + 1
	}
	batches := Plan(costs, 10, 300)
	next := 0
	for _, b := range batches {
		if b.Start != next {
			t.Fatalf("gap or overlap at %d (batch starts %d)", next, b.Start)
		}
		if b.Len() == 0 || b.Len() > 10 {
			t.Errorf("batch %v has %d items", b, b.Len())
		}
		next = b.End
	}
	if next != len(costs) {
		t.Errorf("batches end at %d, want %d", next, len(costs))
	}
}

func Test_FitPassages(t *testing.T) {
	t.Parallel()
	fixed := []*schema.Message{schema.SystemMessage("sys")} // 4 + 1 + 1 = 6
	passages := []string{strings.Repeat("x", 40), strings.Repeat("y", 40), strings.Repeat("z", 40)}
	// Each passage costs 4 + 10 = 14. 6 + 14 + 14 = 34 fits in 40, a third would not.
	if got := FitPassages(fixed, passages, 40); got != 2 {
		t.Errorf("FitPassages = %d, want 2", got)
	}
	if got := FitPassages(fixed, passages, DefaultRerankContextTokens); got != 3 {
		t.Errorf("FitPassages = %d, want 3", got)
	}
	if got := FitPassages(fixed, passages, 5); got != 0 {
		t.Errorf("FitPassages = %d, want 0", got)
	}
}
