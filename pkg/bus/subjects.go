package bus

import "strings"

// SubjectBuilder produces the subject hierarchy for one (environment, feed)
// pair. Data subjects are "{env}.{feed}.json.{message_type}.{ticker}"; the
// stream holding them is named "{ENV}_{FEED}".
type SubjectBuilder struct {
	env  string
	feed string
}

// NewSubjectBuilder validates nothing; env and feed are checked by config
// loading before a builder is constructed.
func NewSubjectBuilder(env, feed string) SubjectBuilder {
	return SubjectBuilder{env: env, feed: feed}
}

// Data returns the subject for one message.
func (s SubjectBuilder) Data(messageType, ticker string) string {
	return s.env + "." + s.feed + ".json." + messageType + "." + sanitizeToken(ticker)
}

// Filter returns the wildcard matching every JSON data subject of the feed.
func (s SubjectBuilder) Filter() string {
	return s.env + "." + s.feed + ".json.>"
}

// All returns the wildcard matching every subject of the feed.
func (s SubjectBuilder) All() string {
	return s.env + "." + s.feed + ".>"
}

// StreamName returns the JetStream stream name for the feed.
func (s SubjectBuilder) StreamName() string {
	return sanitizeStreamName(s.env) + "_" + sanitizeStreamName(s.feed)
}

// Env reports the environment token.
func (s SubjectBuilder) Env() string { return s.env }

// Feed reports the feed token.
func (s SubjectBuilder) Feed() string { return s.feed }

// ParseDataSubject splits a data subject back into its message type and
// ticker tokens. Returns false for subjects outside the convention.
func ParseDataSubject(subject string) (env, feed, messageType, ticker string, ok bool) {
	parts := strings.SplitN(subject, ".", 5)
	if len(parts) != 5 || parts[2] != "json" {
		return "", "", "", "", false
	}
	return parts[0], parts[1], parts[3], parts[4], true
}

// FeedFromFilter extracts the feed token from a subject filter such as
// "prod.kalshi.json.>".
func FeedFromFilter(filter string) (string, bool) {
	parts := strings.SplitN(filter, ".", 3)
	if len(parts) < 2 || parts[1] == "" || strings.ContainsAny(parts[1], "*>") {
		return "", false
	}
	return parts[1], true
}

func sanitizeToken(s string) string {
	// Subject tokens must not contain separators or wildcards.
	r := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")
	return r.Replace(s)
}

func sanitizeStreamName(s string) string {
	// Stream names are not subjects; keep them simple and stable.
	x := strings.TrimSpace(s)
	x = strings.ReplaceAll(x, ".", "_")
	x = strings.ReplaceAll(x, "-", "_")
	x = strings.ReplaceAll(x, " ", "_")
	return strings.ToUpper(x)
}
