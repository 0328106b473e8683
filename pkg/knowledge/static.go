package knowledge

import (
	"context"
	"strings"

	"chat-dispatch/pkg/apperr"
	"chat-dispatch/pkg/models"
)

// Entry is one keyword-indexed answer
type Entry struct {
	Question string
	Keywords []string
	Answer   string
}

// StaticStore matches queries against an in-process keyword list. It is used
// when no knowledge service is configured.
type StaticStore struct {
	entries []Entry
}

func NewStaticStore(entries []Entry) *StaticStore {
	normalized := make([]Entry, 0, len(entries))
	for _, e := range entries {
		kws := make([]string, 0, len(e.Keywords))
		for _, k := range e.Keywords {
			if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
				kws = append(kws, k)
			}
		}
		e.Keywords = kws
		normalized = append(normalized, e)
	}
	return &StaticStore{entries: normalized}
}

// Lookup scores entries by matched keywords; one keyword is a 0.8 match and
// each further keyword adds 0.1.
func (s *StaticStore) Lookup(_ context.Context, query string) (models.KnowledgeMatch, error) {
	q := strings.ToLower(query)
	best, bestHits := -1, 0
	for i, e := range s.entries {
		hits := 0
		for _, k := range e.Keywords {
			if strings.Contains(q, k) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = i, hits
		}
	}
	if best < 0 {
		return models.KnowledgeMatch{}, apperr.New(apperr.NotFound, "no_match", nil)
	}

	confidence := 0.7 + 0.1*float64(bestHits)
	if confidence > 1 {
		confidence = 1
	}
	return models.KnowledgeMatch{
		Question:   s.entries[best].Question,
		Answer:     s.entries[best].Answer,
		Confidence: confidence,
	}, nil
}

// DefaultEntries is the built-in sample knowledge base
func DefaultEntries() []Entry {
	return []Entry{
		{
			Question: "What is the return policy?",
			Keywords: []string{"退货", "退款", "不满意", "refund", "return"},
			Answer: "Returns and refunds:\n1. Items can be returned within 7 days, no reason needed\n" +
				"2. Please keep the original packaging intact\n3. Refunds arrive within 3-5 business days\n" +
				"To start a return, send your order number or type 'human' to reach an agent.",
		},
		{
			Question: "How does shipping work?",
			Keywords: []string{"发货", "物流", "快递", "配送", "shipping", "delivery"},
			Answer: "Shipping:\n1. Orders ship within 24 hours\n2. Send your order number to track a parcel\n" +
				"3. Delivery usually takes 3-5 days",
		},
		{
			Question: "Are there any discounts?",
			Keywords: []string{"价格", "优惠", "折扣", "活动", "price", "discount", "promotion"},
			Answer: "Prices and promotions:\n1. The price shown on the product page applies\n" +
				"2. Follow our official account for the latest offers\n3. We run promotions regularly\n" +
				"Type 'human' for details on a specific offer.",
		},
	}
}
