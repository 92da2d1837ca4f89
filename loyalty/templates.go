package loyalty

import (
	"bytes"
	"fmt"
	"math/rand"
	"sync"
	"text/template"
	"time"
)

// Message is a rendered notification.
type Message struct {
	Subject string
	Body    string
}

// MessageData is what a template can reference.
type MessageData struct {
	CustomerName   string
	RewardName     string
	Description    string
	RedemptionCode string
	Tier           int
	ExpiresAt      time.Time
}

// Expiry formats ExpiresAt for message bodies.
func (d MessageData) Expiry() string {
	return d.ExpiresAt.Format("2 January 2006")
}

type messageVariant struct {
	subject *template.Template
	body    *template.Template
}

func variant(name, subject, body string) messageVariant {
	return messageVariant{
		subject: template.Must(template.New(name + ".subject").Parse(subject)),
		body:    template.Must(template.New(name + ".body").Parse(body)),
	}
}

var (
	welcomeVariants = []messageVariant{
		variant("welcome.1",
			"Welcome to the spa, {{.CustomerName}}",
			"Hi {{.CustomerName}}, thank you for your first visit. Enjoy {{.RewardName}} on your next treatment with code {{.RedemptionCode}}, valid until {{.Expiry}}."),
		variant("welcome.2",
			"A little welcome gift for you",
			"{{.CustomerName}}, we loved having you. Show code {{.RedemptionCode}} at reception before {{.Expiry}} to use your {{.RewardName}}."),
		variant("welcome.3",
			"{{.CustomerName}}, your welcome reward is ready",
			"Your first visit earned you {{.RewardName}}. {{.Description}} Code: {{.RedemptionCode}} (until {{.Expiry}})."),
	}

	midTierVariants = []messageVariant{
		variant("mid.1",
			"You reached tier {{.Tier}}, {{.CustomerName}}",
			"Thank you for coming back, {{.CustomerName}}. You have reached tier {{.Tier}} and unlocked {{.RewardName}}. Use code {{.RedemptionCode}} before {{.Expiry}}."),
		variant("mid.2",
			"A bonus for our regulars",
			"{{.CustomerName}}, your loyalty has earned you {{.RewardName}}. {{.Description}} Present {{.RedemptionCode}} by {{.Expiry}}."),
		variant("mid.3",
			"Tier {{.Tier}} unlocked",
			"Hi {{.CustomerName}}, tier {{.Tier}} comes with {{.RewardName}}. Your code is {{.RedemptionCode}}, valid through {{.Expiry}}."),
	}

	vipVariants = []messageVariant{
		variant("vip.1",
			"An evening reserved for you, {{.CustomerName}}",
			"{{.CustomerName}}, as one of our most valued guests (tier {{.Tier}}) you are invited to {{.RewardName}}. Book with code {{.RedemptionCode}} before {{.Expiry}}."),
		variant("vip.2",
			"Your VIP night is waiting",
			"Tier {{.Tier}} reached. {{.Description}} Quote {{.RedemptionCode}} when booking, valid until {{.Expiry}}."),
	}
)

// variantsFor maps every category to its message variants. Adding a category
// without a case here fails TestEveryCategoryHasTemplates.
func variantsFor(c RewardCategory) []messageVariant {
	switch c {
	case CategoryWelcomeDiscount:
		return welcomeVariants
	case CategoryMidTierBonus:
		return midTierVariants
	case CategoryVIPNight:
		return vipVariants
	}
	return nil
}

// VariantCount returns the number of message variants for a category.
func VariantCount(c RewardCategory) int {
	return len(variantsFor(c))
}

// MessageRenderer picks one variant per message at random and renders it.
type MessageRenderer struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewMessageRenderer seeds the variant picker. Tests pass a fixed seed.
func NewMessageRenderer(seed int64) *MessageRenderer {
	return &MessageRenderer{rnd: rand.New(rand.NewSource(seed))}
}

// Render renders a random variant for the category.
func (r *MessageRenderer) Render(c RewardCategory, data MessageData) (Message, error) {
	variants := variantsFor(c)
	if len(variants) == 0 {
		return Message{}, fmt.Errorf("render %q: %w", c, ErrInvalidCategory)
	}
	r.mu.Lock()
	i := r.rnd.Intn(len(variants))
	r.mu.Unlock()
	return renderVariant(variants[i], data)
}

// RenderVariant renders a specific variant, 0-based.
func (r *MessageRenderer) RenderVariant(c RewardCategory, i int, data MessageData) (Message, error) {
	variants := variantsFor(c)
	if i < 0 || i >= len(variants) {
		return Message{}, fmt.Errorf("render %q variant %d: out of range", c, i)
	}
	return renderVariant(variants[i], data)
}

func renderVariant(v messageVariant, data MessageData) (Message, error) {
	var subject, body bytes.Buffer
	if err := v.subject.Execute(&subject, data); err != nil {
		return Message{}, fmt.Errorf("render subject: %w", err)
	}
	if err := v.body.Execute(&body, data); err != nil {
		return Message{}, fmt.Errorf("render body: %w", err)
	}
	return Message{Subject: subject.String(), Body: body.String()}, nil
}
