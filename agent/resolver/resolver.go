package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/cloudwego/eino/schema"

	contractx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/contract"
	statex "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/state"
)

// Result is the outcome of one resolution. Exactly one of Record and
// Clarification is set.
type Result struct {
	Candidate     string
	Record        *statex.PurchaseRecord
	Clarification *statex.Clarification
}

func (r Result) Resolved() bool {
	return r.Record != nil
}

// Resolver validates which purchased product the conversation refers to.
type Resolver struct {
	extractor contractx.ProductExtractor
}

func New(extractor contractx.ProductExtractor) (*Resolver, error) {
	if extractor == nil {
		return nil, errors.New("product extractor is required")
	}
	return &Resolver{extractor: extractor}, nil
}

// Resolve extracts a product reference from the latest user turn, falling back
// to the whole history, and matches it against the purchase snapshot. The
// state is updated with either the active product or a clarification.
func (r *Resolver) Resolve(ctx context.Context, st *statex.ConversationState) (Result, error) {
	if st == nil {
		return Result{}, statex.ErrNilState
	}

	candidate, err := r.extract(ctx, latestTurn(st))
	if err != nil {
		return Result{}, err
	}
	if candidate == "" {
		candidate, err = r.extract(ctx, st.Messages)
		if err != nil {
			return Result{}, err
		}
	}

	if candidate == "" {
		c := &statex.Clarification{Kind: statex.ClarificationNoMatch}
		st.SetClarification(c)
		return Result{Clarification: c}, nil
	}

	matches := Match(st.PurchaseHistory, candidate)
	switch len(matches) {
	case 0:
		c := &statex.Clarification{Kind: statex.ClarificationNoMatch, Detail: candidate}
		st.SetClarification(c)
		return Result{Candidate: candidate, Clarification: c}, nil
	case 1:
		rec := matches[0]
		st.SetActiveProduct(rec.ProductName)
		return Result{Candidate: candidate, Record: &rec}, nil
	default:
		names := make([]string, 0, len(matches))
		for _, m := range matches {
			names = append(names, m.ProductName)
		}
		c := &statex.Clarification{Kind: statex.ClarificationMultipleMatches, Detail: candidate, Candidates: names}
		st.SetClarification(c)
		return Result{Candidate: candidate, Clarification: c}, nil
	}
}

// Scope names the product a question is about without asking the user
// anything. A mention in the latest turn wins over the active product, which
// wins over older turns. A unique purchase match becomes the active product;
// otherwise the extracted name is returned as is. Empty means no product.
func (r *Resolver) Scope(ctx context.Context, st *statex.ConversationState) (string, error) {
	if st == nil {
		return "", statex.ErrNilState
	}

	candidate, err := r.extract(ctx, latestTurn(st))
	if err != nil {
		return "", err
	}
	if candidate == "" && st.ActiveProduct != "" {
		return st.ActiveProduct, nil
	}
	if candidate == "" {
		candidate, err = r.extract(ctx, st.Messages)
		if err != nil {
			return "", err
		}
	}
	if candidate == "" {
		return "", nil
	}

	if matches := Match(st.PurchaseHistory, candidate); len(matches) == 1 {
		st.SetActiveProduct(matches[0].ProductName)
		return matches[0].ProductName, nil
	}
	return candidate, nil
}

func (r *Resolver) extract(ctx context.Context, msgs []*schema.Message) (string, error) {
	if len(msgs) == 0 {
		return "", nil
	}
	name, err := r.extractor.ExtractProductName(ctx, msgs)
	if err != nil {
		if contractx.IsTransient(err) {
			return "", fmt.Errorf("extract product name: %w", err)
		}
		return "", fmt.Errorf("%w: extract product name: %w", contractx.ErrTransient, err)
	}
	return strings.TrimSpace(name), nil
}

func latestTurn(st *statex.ConversationState) []*schema.Message {
	latest := st.LatestUserMessage()
	if latest == "" {
		return nil
	}
	return []*schema.Message{schema.UserMessage(latest)}
}

// Match returns the purchase records whose product matches candidate, one per
// distinct product, newest order first. An exact name match wins over
// substring matches, which win over token containment.
func Match(records []statex.PurchaseRecord, candidate string) []statex.PurchaseRecord {
	want := Normalize(candidate)
	if want == "" {
		return nil
	}
	latest := dedupe(records)

	var exact, substr, tokens []statex.PurchaseRecord
	wantTokens := strings.Fields(want)
	for _, rec := range latest {
		name := Normalize(rec.ProductName)
		switch {
		case name == want:
			exact = append(exact, rec)
		case strings.Contains(name, want) || strings.Contains(want, name):
			substr = append(substr, rec)
		case containsAll(strings.Fields(name), wantTokens):
			tokens = append(tokens, rec)
		}
	}
	switch {
	case len(exact) > 0:
		return exact
	case len(substr) > 0:
		return substr
	default:
		return tokens
	}
}

// dedupe keeps the most recent order per normalised product name, newest first.
func dedupe(records []statex.PurchaseRecord) []statex.PurchaseRecord {
	byName := make(map[string]statex.PurchaseRecord, len(records))
	for _, rec := range records {
		key := Normalize(rec.ProductName)
		if key == "" {
			continue
		}
		cur, ok := byName[key]
		if !ok || rec.OrderDate.After(cur.OrderDate) {
			byName[key] = rec
		}
	}
	out := make([]statex.PurchaseRecord, 0, len(byName))
	for _, rec := range byName {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OrderDate.Equal(out[j].OrderDate) {
			return out[i].ProductName < out[j].ProductName
		}
		return out[i].OrderDate.After(out[j].OrderDate)
	})
	return out
}

func containsAll(have, want []string) bool {
	if len(want) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(have))
	for _, h := range have {
		set[h] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; !ok {
			return false
		}
	}
	return true
}

// Normalize lowercases s and collapses punctuation and whitespace to single spaces.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
			continue
		}
		space = true
	}
	return b.String()
}

// ClarificationText renders the question asked when a product could not be pinned down.
func ClarificationText(c *statex.Clarification, history []statex.PurchaseRecord) string {
	if c == nil {
		return ""
	}
	switch c.Kind {
	case statex.ClarificationMultipleMatches:
		return fmt.Sprintf("I found more than one product matching %q in your orders: %s. Which one do you mean?",
			c.Detail, strings.Join(c.Candidates, ", "))
	default:
		owned := productNames(history)
		switch {
		case c.Detail != "" && len(owned) > 0:
			return fmt.Sprintf("I couldn't find %q in your purchase history. Your orders include: %s. Which product are you asking about?",
				c.Detail, strings.Join(owned, ", "))
		case c.Detail != "":
			return fmt.Sprintf("I couldn't find %q in your purchase history, and there are no orders on this account.", c.Detail)
		case len(owned) > 0:
			return fmt.Sprintf("Which product are you asking about? Your orders include: %s.", strings.Join(owned, ", "))
		default:
			return "Which product are you asking about? I couldn't find any orders on this account."
		}
	}
}

func productNames(records []statex.PurchaseRecord) []string {
	latest := dedupe(records)
	names := make([]string, 0, len(latest))
	for _, rec := range latest {
		names = append(names, rec.ProductName)
	}
	return names
}
