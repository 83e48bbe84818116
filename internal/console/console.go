// Package console implements the interactive side of spec.md §6: a
// history-enabled line editor (github.com/chzyer/readline, the
// out-of-core REPL editor spec.md §1 names as an external collaborator)
// feeding one persistent compile.Builder/vm.Session pair, so a `var`
// declared in one command remains a live, assignable slot in every
// later command of the same session.
package console

import (
	"fmt"
	"io"
	"os"

	"github.com/chzyer/readline"

	"github.com/ravel-lang/ravel/internal/compile"
	"github.com/ravel-lang/ravel/internal/lex"
	"github.com/ravel-lang/ravel/internal/parse"
	"github.com/ravel-lang/ravel/internal/ravelerr"
	"github.com/ravel-lang/ravel/internal/value"
	"github.com/ravel-lang/ravel/internal/vm"
)

const (
	primaryPrompt     = "--> "
	continuationPrompt = "... "
)

// Console owns the one Builder/Session pair a whole interactive run
// shares. compile.Builder.CompileCommand already threads a single,
// never-reset funcCtx across commands (see its doc comment), which is
// exactly the "bind to shared reference cells that persist across
// commands" behavior spec.md §6 describes — console doesn't need a
// second name->Ref map of its own, it just has to keep reusing the same
// Builder and vm.Session instead of building fresh ones per line.
type Console struct {
	rl      *readline.Instance
	builder *compile.Builder
	session *vm.Session
}

// New opens the line editor against historyFile (may be empty to
// disable history persistence).
func New(historyFile string) (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          primaryPrompt,
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, err
	}
	return &Console{
		rl:      rl,
		builder: compile.NewBuilder("<console>"),
		session: vm.NewSession(),
	}, nil
}

func (c *Console) Close() error { return c.rl.Close() }

// Run reads and executes commands until EOF/interrupt. Per spec.md §7, a
// parse or runtime error aborts only the current command; the loop
// itself never stops on error.
func (c *Console) Run() {
	for {
		line, err := c.rl.Readline()
		if err == io.EOF || err == readline.ErrInterrupt {
			return
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return
		}

		sc := lex.New("<console>", c.lineReader(line))
		cmd, ok, err := parse.ParseCommand(sc)
		if err != nil {
			PrintError(err)
			continue
		}
		if !ok {
			continue
		}

		entry, frameSize, err := c.builder.CompileCommand(cmd)
		if err != nil {
			PrintError(err)
			continue
		}
		result, err := c.session.Exec(entry, frameSize)
		if err != nil {
			PrintError(err)
			continue
		}
		if _, isNil := result.(value.NilValue); isNil {
			continue
		}
		if s, serr := value.ToDisplayString(result); serr == nil {
			fmt.Println(s)
		}
	}
}

// lineReader yields the already-read first line, then pulls more lines
// from the editor under a continuation prompt for any command (a
// `schema ... end` block, an unterminated string) that spans more than
// one physical line.
func (c *Console) lineReader(first string) lex.Reader {
	done := false
	return func() (string, bool) {
		if !done {
			done = true
			return first, true
		}
		c.rl.SetPrompt(continuationPrompt)
		next, err := c.rl.Readline()
		c.rl.SetPrompt(primaryPrompt)
		if err != nil {
			return "", false
		}
		return next, true
	}
}

// PrintError renders err the way spec.md §6 requires for uncaught
// script/console errors: a coloured message plus its trace, to stderr.
func PrintError(err error) {
	re, ok := err.(*ravelerr.Error)
	if !ok || re == nil {
		fmt.Fprintf(os.Stderr, "\033[31m%s\033[0m\n", err.Error())
		return
	}
	fmt.Fprintf(os.Stderr, "\033[31m%s: %s\033[0m\n", re.Kind, re.Message)
	for _, fr := range re.Trace {
		fmt.Fprintf(os.Stderr, "\033[2m\t%s:%d\033[0m\n", fr.Source, fr.Line)
	}
}
