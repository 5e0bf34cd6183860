package streaming

import "strings"

// Collected is the folded form of a finished event stream, used by the
// fake-non-stream mode and by the fake-stream replay.
type Collected struct {
	Content      string
	Reasoning    string
	ReasoningSig string
	ToolCalls    []ToolCall
	Usage        *Usage
	FinishReason string
}

// Collector folds neutral events into a Collected.
type Collector struct {
	content   strings.Builder
	reasoning strings.Builder
	out       Collected
}

// Add consumes one event.
func (c *Collector) Add(event Event) {
	switch event.Kind {
	case EventText:
		c.content.WriteString(event.Text)
	case EventReasoning:
		c.reasoning.WriteString(event.Text)
		if event.Signature != "" {
			c.out.ReasoningSig = event.Signature
		}
	case EventToolCalls:
		c.out.ToolCalls = append(c.out.ToolCalls, event.Calls...)
	case EventUsage:
		c.out.Usage = event.Usage
	case EventDone:
		c.out.FinishReason = event.FinishReason
	}
}

// AddAll consumes a batch of events.
func (c *Collector) AddAll(events []Event) {
	for _, event := range events {
		c.Add(event)
	}
}

// Result returns the folded stream.
func (c *Collector) Result() Collected {
	c.out.Content = c.content.String()
	c.out.Reasoning = c.reasoning.String()
	return c.out
}

// Events re-emits a collected response as an ordered event stream, used by
// the fake-stream mode to replay a one-shot upstream call through a dialect
// writer.
func (c Collected) Events() []Event {
	var events []Event
	if c.Reasoning != "" {
		events = append(events, Event{Kind: EventReasoning, Text: c.Reasoning, Signature: c.ReasoningSig})
	}
	if c.Content != "" {
		events = append(events, Event{Kind: EventText, Text: c.Content})
	}
	if len(c.ToolCalls) > 0 {
		events = append(events, Event{Kind: EventToolCalls, Calls: c.ToolCalls})
	}
	if c.Usage != nil {
		events = append(events, Event{Kind: EventUsage, Usage: c.Usage})
	}
	reason := c.FinishReason
	if reason == "" {
		reason = "STOP"
	}
	events = append(events, Event{Kind: EventDone, FinishReason: reason})
	return events
}
