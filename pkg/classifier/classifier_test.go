package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"chat-dispatch/pkg/models"
)

func newTestClassifier() *Classifier {
	return New(Config{
		HumanKeywords:     []string{"人工", "客服", "human", "Agent", " real person "},
		FallbackThreshold: 3,
	})
}

func TestClassify(t *testing.T) {
	c := newTestClassifier()
	automated := models.Session{State: models.SessionAutomated}

	tests := []struct {
		name    string
		text    string
		session models.Session
		intent  models.Intent
		orderID string
		reason  string
	}{
		{"faq", "what's your return policy", automated, models.IntentFAQ, "", ReasonDefault},
		{"order with number", "order 12345", automated, models.IntentOrderQuery, "12345", ReasonOrderNumber},
		{"chinese order number", "订单号：ORD2024080501", automated, models.IntentOrderQuery, "ORD2024080501", ReasonOrderNumber},
		{"bare order number", "where is ORD2024080502?", automated, models.IntentOrderQuery, "ORD2024080502", ReasonOrderNumber},
		{"order keyword only", "我的快递到哪了", automated, models.IntentOrderQuery, "", ReasonOrderKeyword},
		{"order word without number", "order status please", automated, models.IntentOrderQuery, "", ReasonOrderKeyword},
		{"human keyword", "转人工", automated, models.IntentHumanHandoff, "", ReasonHumanKeyword},
		{"human keyword case", "I want a real PERSON", automated, models.IntentHumanHandoff, "", ReasonHumanKeyword},
		{"mixed case keyword config", "let me talk to an agent", automated, models.IntentHumanHandoff, "", ReasonHumanKeyword},
		{"order beats human keyword", "客服 order 12345", automated, models.IntentOrderQuery, "12345", ReasonOrderNumber},
		{"fallback threshold", "hmm", models.Session{State: models.SessionAutomated, ConsecutiveFallbacks: 3}, models.IntentHumanHandoff, "", ReasonFallbackThreshold},
		{"below threshold", "hmm", models.Session{State: models.SessionAutomated, ConsecutiveFallbacks: 2}, models.IntentFAQ, "", ReasonDefault},
		{"plural order keyword", "where are my orders", automated, models.IntentOrderQuery, "", ReasonOrderKeyword},
		{"reorder is not an order query", "can I reorder a discontinued item", automated, models.IntentFAQ, "", ReasonDefault},
		{"recorders is not an order query", "do you sell tape recorders", automated, models.IntentFAQ, "", ReasonDefault},
		{"humane is not a human request", "is this product humane certified", automated, models.IntentFAQ, "", ReasonDefault},
		{"agency is not an agent request", "which agency handles returns", automated, models.IntentFAQ, "", ReasonDefault},
		{"chinese keyword inside a sentence", "我要找客服聊聊", automated, models.IntentHumanHandoff, "", ReasonHumanKeyword},
		{"sticky awaiting", "order 12345", models.Session{State: models.SessionAwaitingHuman}, models.IntentHumanHandoff, "", ReasonSticky},
		{"sticky with human", "what's your return policy", models.Session{State: models.SessionWithHuman}, models.IntentHumanHandoff, "", ReasonSticky},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := c.Classify(tt.text, tt.session)
			assert.Equal(t, tt.intent, d.Intent)
			assert.Equal(t, tt.orderID, d.OrderID)
			assert.Equal(t, tt.reason, d.Reason)
			assert.False(t, d.Cancel)
		})
	}
}

func TestClassify_CancelOnlyWhileInHandoff(t *testing.T) {
	c := newTestClassifier()
	waiting := models.Session{State: models.SessionAwaitingHuman}

	assert.True(t, c.Classify("取消", waiting).Cancel)
	assert.True(t, c.Classify("Cancel!", waiting).Cancel)
	assert.True(t, c.Classify("cancel please", waiting).Cancel)
	assert.False(t, c.Classify("my order was cancelled yesterday", waiting).Cancel)
	assert.False(t, c.Classify("取消", models.Session{State: models.SessionAutomated}).Cancel)
}

func TestExtractOrderID(t *testing.T) {
	assert.Equal(t, "A-1001", ExtractOrderID("order #a-1001"))
	assert.Equal(t, "12345678", ExtractOrderID("tracking for 12345678 please"))
	assert.Empty(t, ExtractOrderID("order now"))
	assert.Empty(t, ExtractOrderID("call me at 1234"))
}
