package roster

const avatarBase = "https://i.pravatar.cc/256?u="

// defaultUsers is the built-in demo roster. The first human is the
// identity a fresh session starts as.
var defaultUsers = []User{
	Human("Marvin Acme", "marvin", "marvin@acme.corp", avatarBase+"marvin"),
	Human("Bugs Bunny", "bugs", "bugs@acme.corp", avatarBase+"bugs"),
	Human("Daffy Duck", "daffy", "daffy@acme.corp", avatarBase+"daffy"),
	Human("Porky Pig", "porky", "porky@acme.corp", avatarBase+"porky"),
	Human("Road Runner", "roadrunner", "roadrunner@acme.corp", avatarBase+"roadrunner"),
	Human("Wile E. Coyote", "wile", "wile@acme.corp", avatarBase+"wile"),
	Agent("Assistant", "assistant", "openai", "gpt-4o", ""),
	Agent("Claude", "claude", "anthropic", "claude-sonnet-4-5", ""),
	Agent("Gemini", "gemini", "google", "gemini-2.5-flash", ""),
}

// Default returns the built-in demo roster.
func Default() *Roster {
	r, err := New(defaultUsers...)
	if err != nil {
		panic("roster: invalid built-in roster: " + err.Error())
	}

	return r
}
