package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"git.sr.ht/~delthas/ircore"
)

var (
	errNoServer = fmt.Errorf("no current server; use /connect or /server first")
)

const maxArgsInfinite = -1

const openTimeout = 30 * time.Second

type command struct {
	AllowNoServer bool
	MinArgs       int
	MaxArgs       int
	Usage         string
	Desc          string
	Handle        func(c *client, args []string) error
}

type commandSet map[string]*command

var commands commandSet

func init() {
	commands = commandSet{
		"HELP": {
			AllowNoServer: true,
			MaxArgs:       1,
			Usage:         "[command]",
			Desc:          "show the list of commands, or how to use the given one",
			Handle:        commandDoHelp,
		},
		"CONNECT": {
			AllowNoServer: true,
			MinArgs:       1,
			MaxArgs:       2,
			Usage:         "<address> [nickname]",
			Desc:          "connect to a server and make it the current one",
			Handle:        commandDoConnect,
		},
		"DISCONNECT": {
			Desc:   "disconnect from the current server",
			Handle: commandDoDisconnect,
		},
		"SERVER": {
			AllowNoServer: true,
			MinArgs:       1,
			MaxArgs:       1,
			Usage:         "<address>",
			Desc:          "switch to another server",
			Handle:        commandDoServer,
		},
		"LIST": {
			AllowNoServer: true,
			Desc:          "list the servers and their state",
			Handle:        commandDoList,
		},
		"OPEN": {
			AllowNoServer: true,
			MinArgs:       1,
			MaxArgs:       1,
			Usage:         "<irc:// or ircs:// link>",
			Desc:          "connect to the server of a link and join its channels",
			Handle:        commandDoOpen,
		},
		"JOIN": {
			MinArgs: 1,
			MaxArgs: 2,
			Usage:   "<channel> [key]",
			Desc:    "join a channel",
			Handle:  commandDoJoin,
		},
		"PART": {
			MinArgs: 1,
			MaxArgs: 2,
			Usage:   "<channel> [reason]",
			Desc:    "part a channel",
			Handle:  commandDoPart,
		},
		"MSG": {
			MinArgs: 2,
			MaxArgs: 2,
			Usage:   "<target> <message>",
			Desc:    "send a message to the given target",
			Handle:  commandDoMsg,
		},
		"NOTICE": {
			MinArgs: 2,
			MaxArgs: 2,
			Usage:   "<target> <message>",
			Desc:    "send a notice to the given target",
			Handle:  commandDoNotice,
		},
		"ME": {
			MinArgs: 2,
			MaxArgs: 2,
			Usage:   "<target> <message>",
			Desc:    "send an action to the given target",
			Handle:  commandDoMe,
		},
		"NICK": {
			MinArgs: 1,
			MaxArgs: 1,
			Usage:   "<nickname>",
			Desc:    "change your nickname",
			Handle:  commandDoNick,
		},
		"MODE": {
			MinArgs: 1,
			MaxArgs: 2,
			Usage:   "<target> [modes]",
			Desc:    "change channel or user modes",
			Handle:  commandDoMode,
		},
		"WHOIS": {
			MinArgs: 1,
			MaxArgs: 1,
			Usage:   "<nickname>",
			Desc:    "get information about someone",
			Handle:  commandDoWhois,
		},
		"INVITE": {
			MinArgs: 2,
			MaxArgs: 2,
			Usage:   "<name> <channel>",
			Desc:    "invite someone to a channel",
			Handle:  commandDoInvite,
		},
		"KICK": {
			MinArgs: 2,
			MaxArgs: 3,
			Usage:   "<nick> <channel> [message]",
			Desc:    "eject someone from the channel",
			Handle:  commandDoKick,
		},
		"TOPIC": {
			MinArgs: 1,
			MaxArgs: 2,
			Usage:   "<channel> [topic]",
			Desc:    "show or set the topic of the channel",
			Handle:  commandDoTopic,
		},
		"CTCP": {
			MinArgs: 2,
			MaxArgs: 3,
			Usage:   "<nick> <command> [argument]",
			Desc:    "send a CTCP request",
			Handle:  commandDoCTCP,
		},
		"QUOTE": {
			MinArgs: 1,
			MaxArgs: 1,
			Usage:   "<raw message>",
			Desc:    "send raw protocol data",
			Handle:  commandDoQuote,
		},
		"QUIT": {
			AllowNoServer: true,
			MaxArgs:       1,
			Usage:         "[reason]",
			Desc:          "quit every server and exit",
			Handle:        commandDoQuit,
		},
	}
}

func commandDoHelp(c *client, args []string) (err error) {
	printCommand := func(name string, cmd *command) {
		c.printf("%s %s", name, cmd.Usage)
		c.printf("  %s", cmd.Desc)
	}

	printCommands := func(names []string) {
		sort.Strings(names)
		for _, name := range names {
			printCommand(name, commands[name])
		}
	}

	if len(args) == 0 {
		c.printf("-- Available commands:")

		cmdNames := make([]string, 0, len(commands))
		for cmdName := range commands {
			cmdNames = append(cmdNames, cmdName)
		}
		printCommands(cmdNames)
	} else {
		search := strings.ToUpper(args[0])
		c.printf("-- Commands that match \"%s\":", search)

		cmdNames := make([]string, 0, len(commands))
		for cmdName := range commands {
			if !strings.Contains(cmdName, search) {
				continue
			}
			cmdNames = append(cmdNames, cmdName)
		}
		if len(cmdNames) == 0 {
			c.printf("  no command matches %q", args[0])
		} else {
			printCommands(cmdNames)
		}
	}
	return nil
}

func commandDoConnect(c *client, args []string) (err error) {
	id, err := ircore.ParseAddress(args[0])
	if err != nil {
		return err
	}
	creds := c.defaultCreds
	if len(args) == 2 {
		creds.Nickname = args[1]
	}
	if creds.Nickname == "" {
		return fmt.Errorf("usage: CONNECT <address> <nickname>")
	}
	if err := c.app.Connect(id, creds); err != nil {
		return err
	}
	c.current = &id
	return nil
}

func commandDoDisconnect(c *client, args []string) (err error) {
	return c.app.Disconnect(*c.current)
}

func commandDoServer(c *client, args []string) (err error) {
	id, err := ircore.ParseAddress(args[0])
	if err != nil {
		return err
	}
	if _, err := c.app.State(id); err != nil {
		return fmt.Errorf("%v: %v", id, err)
	}
	c.current = &id
	return nil
}

func commandDoList(c *client, args []string) (err error) {
	ids := c.app.Identities()
	if len(ids) == 0 {
		c.printf("-- No server")
		return nil
	}
	for _, id := range ids {
		state, err := c.app.State(id)
		if err != nil {
			continue
		}
		mark := " "
		if c.current != nil && *c.current == id {
			mark = "*"
		}
		channels, _ := c.app.Channels(id)
		c.printf("%s %v %v %s", mark, id, state, strings.Join(channels, ","))
	}
	return nil
}

func commandDoOpen(c *client, args []string) (err error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	u, err := c.app.OpenURL(ctx, args[0], c.defaultCreds, openTimeout)
	if u != nil {
		id := u.Identity
		c.current = &id
	}
	return err
}

func commandDoJoin(c *client, args []string) (err error) {
	channel := args[0]
	key := ""
	if len(args) == 2 {
		key = args[1]
	}
	return c.app.Join(*c.current, channel, key)
}

func commandDoPart(c *client, args []string) (err error) {
	reason := ""
	if len(args) == 2 {
		reason = args[1]
	}
	return c.app.Part(*c.current, args[0], reason)
}

func commandDoMsg(c *client, args []string) (err error) {
	return c.app.Message(*c.current, args[0], args[1])
}

func commandDoNotice(c *client, args []string) (err error) {
	return c.app.Notice(*c.current, args[0], args[1])
}

func commandDoMe(c *client, args []string) (err error) {
	return c.app.Action(*c.current, args[0], args[1])
}

func commandDoNick(c *client, args []string) (err error) {
	nick := args[0]
	if i := strings.IndexAny(nick, " :"); i >= 0 {
		return fmt.Errorf("illegal char %q in nickname", nick[i])
	}
	return c.app.Nick(*c.current, nick)
}

func commandDoMode(c *client, args []string) (err error) {
	modes := ""
	if len(args) == 2 {
		modes = args[1]
	}
	return c.app.Mode(*c.current, args[0], modes)
}

func commandDoWhois(c *client, args []string) (err error) {
	return c.app.Whois(*c.current, args[0])
}

func commandDoInvite(c *client, args []string) (err error) {
	return c.app.Invite(*c.current, args[0], args[1])
}

func commandDoKick(c *client, args []string) (err error) {
	reason := ""
	if len(args) == 3 {
		reason = args[2]
	}
	return c.app.Kick(*c.current, args[0], args[1], reason)
}

func commandDoTopic(c *client, args []string) (err error) {
	if len(args) == 1 {
		return c.app.Topic(*c.current, args[0], "", false)
	}
	return c.app.Topic(*c.current, args[0], args[1], true)
}

func commandDoCTCP(c *client, args []string) (err error) {
	arg := ""
	if len(args) == 3 {
		arg = args[2]
	}
	return c.app.CTCPRequest(*c.current, args[0], args[1], arg)
}

func commandDoQuote(c *client, args []string) (err error) {
	return c.app.Raw(*c.current, args[0])
}

func commandDoQuit(c *client, args []string) (err error) {
	reason := ""
	if len(args) > 0 {
		reason = args[0]
	}
	if err := c.app.QuitAll(reason); err != nil {
		return err
	}
	c.exit = true
	return nil
}

func fieldsN(s string, n int) []string {
	s = strings.TrimSpace(s)
	if s == "" || n == 0 {
		return nil
	}
	if n == 1 {
		return []string{s}
	}
	var a []string
	for len(a)+1 < n || n == maxArgsInfinite {
		s = strings.TrimLeft(s, " ")
		i := strings.IndexByte(s, ' ')
		if i < 0 {
			break
		}
		a = append(a, s[:i])
		s = s[i+1:]
	}
	if s = strings.TrimLeft(s, " "); s != "" {
		// last field ends at EOF
		a = append(a, s)
	}
	return a
}

// lookupCommand returns the command whose name is name or starts with it.
// If several commands match, it returns their names and false.
func lookupCommand(name string) (string, bool) {
	if _, ok := commands[name]; ok {
		return name, true
	}
	var matches []string
	for key := range commands {
		if strings.HasPrefix(key, name) {
			matches = append(matches, key)
		}
	}
	switch len(matches) {
	case 0:
		return "", false
	case 1:
		return matches[0], true
	}
	sort.Strings(matches)
	return strings.Join(matches, " or "), false
}

func parseCommand(s string) (command, args string, isCommand bool) {
	if len(s) == 0 || s[0] != '/' {
		return "", s, false
	}
	if len(s) > 1 && s[1] == '/' {
		// Input starts with two slashes.
		return "", s[1:], false
	}

	i := strings.IndexByte(s, ' ')
	if i < 0 {
		i = len(s)
	}

	return strings.ToUpper(s[1:i]), strings.TrimLeft(s[i:], " "), true
}

// handleInput runs a line typed by the user. Lines that are not commands
// are sent as raw protocol data to the current server.
func (c *client) handleInput(content string) error {
	if content == "" {
		return nil
	}

	cmdName, rawArgs, isCommand := parseCommand(content)
	if !isCommand {
		if c.current == nil {
			return errNoServer
		}
		return c.app.Raw(*c.current, rawArgs)
	}
	if cmdName == "" {
		return fmt.Errorf("lone slash at the beginning")
	}

	chosenCMDName, found := lookupCommand(cmdName)
	if chosenCMDName != "" && !found {
		return fmt.Errorf("ambiguous command %q (could mean %v)", cmdName, chosenCMDName)
	}
	if !found {
		return fmt.Errorf("command %q does not exist; use /quote to send it as is", cmdName)
	}

	cmd := commands[chosenCMDName]

	var args []string
	if rawArgs != "" && cmd.MaxArgs != 0 {
		args = fieldsN(rawArgs, cmd.MaxArgs)
	}

	if len(args) < cmd.MinArgs {
		return fmt.Errorf("usage: %s %s", chosenCMDName, cmd.Usage)
	}
	if c.current == nil && !cmd.AllowNoServer {
		return errNoServer
	}

	return cmd.Handle(c, args)
}
