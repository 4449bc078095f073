package pipeline

// Unicode operators used in pipeline syntax.
// These are not shell metacharacters, so they survive unquoted in bash/zsh/fish.
const (
	OpPipe        = "¦" // U+00A6 BROKEN BAR: pipe (stdout → stdin)
	OpRedirectIn  = "‹" // U+2039 SINGLE LEFT-POINTING ANGLE QUOTATION MARK: redirect stdin from file
	OpRedirectOut = "›" // U+203A SINGLE RIGHT-POINTING ANGLE QUOTATION MARK: redirect stdout to file

	OpAndThen    = "＆＆" // U+FF06 ×2 FULLWIDTH AMPERSAND: and-then (short-circuit)
	OpOrElse     = "‖"   // U+2016 DOUBLE VERTICAL LINE: or-else (run if previous fails)
	OpSequential = "；"   // U+FF1B FULLWIDTH SEMICOLON: sequential (run regardless of exit code)
)

// Operator joins two chains in a compound command.
type Operator string

// Segment is a single stage in a chain.
type Segment struct {
	Stage string   // registered stage name (first arg in segment)
	Args  []string // remaining arguments
}

// Chain is a parsed linear pipeline with optional redirects.
type Chain struct {
	Segments    []Segment
	RedirectIn  string // file for the first stage's input (‹), stdin if empty
	RedirectOut string // file for the last stage's output (›), stdout if empty
}

// CommandStep is one chain of a compound command and the operator that
// follows it.
type CommandStep struct {
	Chain *Chain
	Op    Operator
}

// Command is a sequence of chains joined by compound operators.
type Command struct {
	Steps []CommandStep
}
