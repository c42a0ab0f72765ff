package models

// languages a generated challenge may be written in (in lowercase)
var SupportedLanguages = map[string]bool{
	"python":     true,
	"javascript": true,
	"typescript": true,
}

var ValidDifficulties = map[string]bool{
	"easy":   true,
	"medium": true,
	"hard":   true,
}

const (
	DefaultDifficulty = "medium"
	DefaultLanguage   = "typescript"

	MinDurationMinutes = 5
	MaxDurationMinutes = 240

	// terminal geometry used when a PTY is opened
	DefaultTerminalCols = 120
	DefaultTerminalRows = 40
)

func SupportedLanguagesList() []string {
	return []string{"python", "javascript", "typescript"}
}

func ValidDifficultiesList() []string {
	return []string{"easy", "medium", "hard"}
}
