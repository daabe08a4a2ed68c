package prompt

import (
	_ "embed"
	"strings"
)

var (
	//go:embed template/intent.txt
	intentRaw string

	//go:embed template/extractor.txt
	extractorRaw string

	//go:embed template/responder.txt
	responderRaw string

	//go:embed template/order_status.txt
	orderStatusRaw string

	//go:embed template/return_processing.txt
	returnProcessingRaw string

	//go:embed template/product_qa.txt
	productQARaw string

	//go:embed template/small_talk.txt
	smallTalkRaw string
)

// PromptSet holds loaded prompt content.
type PromptSet struct {
	Intent    string
	Extractor string
	Responder string

	OrderStatus      string
	ReturnProcessing string
	ProductQA        string
	SmallTalk        string
}

// LoadPromptSet returns a PromptSet with trimmed prompt strings.
func LoadPromptSet() PromptSet {
	return PromptSet{
		Intent:           strings.TrimSpace(intentRaw),
		Extractor:        strings.TrimSpace(extractorRaw),
		Responder:        strings.TrimSpace(responderRaw),
		OrderStatus:      strings.TrimSpace(orderStatusRaw),
		ReturnProcessing: strings.TrimSpace(returnProcessingRaw),
		ProductQA:        strings.TrimSpace(productQARaw),
		SmallTalk:        strings.TrimSpace(smallTalkRaw),
	}
}
