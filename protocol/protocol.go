package protocol

import (
	"errors"
	"strconv"
	"strings"
)

var (
	ErrEmptyLine      = errors.New("empty line")
	ErrUnknownCommand = errors.New("unknown command")
	ErrTooFewFields   = errors.New("too few fields")
)

// EscapeToken заменяет символ '|' внутри свободного текста
const EscapeToken = "&#124;"

// Escape replaces the field separator in free-text content before it goes on
// the wire. Reversed by Unescape on the receiving side.
func Escape(s string) string {
	return strings.ReplaceAll(s, "|", EscapeToken)
}

func Unescape(s string) string {
	return strings.ReplaceAll(s, EscapeToken, "|")
}

// Join builds one outbound line from already-escaped fields.
func Join(fields ...string) string {
	return strings.Join(fields, "|")
}

// Command is the decoded form of one inbound line. Parsing happens once at the
// connection boundary; the dispatcher switches over the concrete types.
type Command interface {
	command()
}

type Login struct{ Username, Password string }
type Register struct{ Username, Password string }
type ResetPassword struct{ Username, NewPassword string }

type Private struct{ To, Text string }
type GroupText struct{ Group, Text string }
type Broadcast struct{ Text string }

type CreateGroup struct {
	Name    string
	Members []string
}
type JoinGroup struct{ Name string }
type LeaveGroup struct{ Name string }
type DissolveGroup struct{ Name string }

// FileAnnounce covers FILE_* and VOICE_* announcements. Voice clips are files
// with an extra message row; the relay treats them identically.
type FileAnnounce struct {
	Target   string
	ToGroup  bool
	Filename string
	Size     int64
	FileType string
	Voice    bool
}

type Emoji struct {
	Target  string
	ToGroup bool
	Code    string
}

type WebRTC struct{ Target, Payload string }

type CallRequest struct{ Callee, CallType string }
type CallResponse struct {
	Caller string
	Status string
	CallID int64
}
type CallEnd struct {
	Target string
	CallID int64
}

type Typing struct{ Target, State string }

type HistoryRequest struct{ Kind, Target string }
type FilesRequest struct{ Target string }

func (Login) command()          {}
func (Register) command()       {}
func (ResetPassword) command()  {}
func (Private) command()        {}
func (GroupText) command()      {}
func (Broadcast) command()      {}
func (CreateGroup) command()    {}
func (JoinGroup) command()      {}
func (LeaveGroup) command()     {}
func (DissolveGroup) command()  {}
func (FileAnnounce) command()   {}
func (Emoji) command()          {}
func (WebRTC) command()         {}
func (CallRequest) command()    {}
func (CallResponse) command()   {}
func (CallEnd) command()        {}
func (Typing) command()         {}
func (HistoryRequest) command() {}
func (FilesRequest) command()   {}

// Parse decodes one line into a typed command. Free-text fields are unescaped
// here; WebRTC payloads are left untouched and relayed verbatim.
func Parse(line string) (Command, error) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	if line == "" {
		return nil, ErrEmptyLine
	}

	// Полезная нагрузка WEBRTC может содержать любые символы, режем только два раза
	if strings.HasPrefix(line, "WEBRTC|") {
		parts := strings.SplitN(line, "|", 3)
		if len(parts) < 3 {
			return nil, ErrTooFewFields
		}
		return WebRTC{Target: parts[1], Payload: parts[2]}, nil
	}

	parts := strings.Split(line, "|")
	cmd := parts[0]
	args := parts[1:]

	switch cmd {
	case "LOGIN", "REGISTER", "RESET_PASSWORD":
		// Пароль может содержать '|', поэтому не дробим его
		three := strings.SplitN(line, "|", 3)
		if len(three) < 3 {
			return nil, ErrTooFewFields
		}
		switch cmd {
		case "LOGIN":
			return Login{Username: three[1], Password: three[2]}, nil
		case "REGISTER":
			return Register{Username: three[1], Password: three[2]}, nil
		default:
			return ResetPassword{Username: three[1], NewPassword: three[2]}, nil
		}

	case "PRIVATE":
		if len(args) < 2 {
			return nil, ErrTooFewFields
		}
		return Private{To: args[0], Text: Unescape(strings.Join(args[1:], "|"))}, nil

	case "GROUP":
		if len(args) < 2 {
			return nil, ErrTooFewFields
		}
		return GroupText{Group: args[0], Text: Unescape(strings.Join(args[1:], "|"))}, nil

	case "BROADCAST":
		if len(args) < 1 {
			return nil, ErrTooFewFields
		}
		return Broadcast{Text: Unescape(strings.Join(args, "|"))}, nil

	case "CREATE_GROUP":
		if len(args) < 1 {
			return nil, ErrTooFewFields
		}
		var members []string
		if len(args) >= 2 && args[1] != "" {
			for _, m := range strings.Split(args[1], ",") {
				if m = strings.TrimSpace(m); m != "" {
					members = append(members, m)
				}
			}
		}
		return CreateGroup{Name: args[0], Members: members}, nil

	case "JOIN_GROUP":
		if len(args) < 1 {
			return nil, ErrTooFewFields
		}
		return JoinGroup{Name: args[0]}, nil

	case "LEAVE_GROUP":
		if len(args) < 1 {
			return nil, ErrTooFewFields
		}
		return LeaveGroup{Name: args[0]}, nil

	case "DISSOLVE_GROUP":
		if len(args) < 1 {
			return nil, ErrTooFewFields
		}
		return DissolveGroup{Name: args[0]}, nil

	case "FILE_PRIVATE", "FILE_GROUP":
		// FILE_PRIVATE|to|sender|file|size|type — второе поле дублирует
		// отправителя и игнорируется
		if len(args) < 5 {
			return nil, ErrTooFewFields
		}
		size, err := strconv.ParseInt(args[3], 10, 64)
		if err != nil {
			return nil, err
		}
		return FileAnnounce{
			Target:   args[0],
			ToGroup:  cmd == "FILE_GROUP",
			Filename: args[2],
			Size:     size,
			FileType: args[4],
		}, nil

	case "VOICE_PRIVATE", "VOICE_GROUP":
		if len(args) < 4 {
			return nil, ErrTooFewFields
		}
		size, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return nil, err
		}
		return FileAnnounce{
			Target:   args[0],
			ToGroup:  cmd == "VOICE_GROUP",
			Filename: args[1],
			Size:     size,
			FileType: args[3],
			Voice:    true,
		}, nil

	case "EMOJI_PRIVATE", "EMOJI_GROUP":
		if len(args) < 2 {
			return nil, ErrTooFewFields
		}
		code := args[1]
		if len(args) >= 3 {
			// Форма EMOJI_PRIVATE|to|sender|code
			code = args[2]
		}
		return Emoji{Target: args[0], ToGroup: cmd == "EMOJI_GROUP", Code: code}, nil

	case "CALL_REQ":
		if len(args) < 2 {
			return nil, ErrTooFewFields
		}
		return CallRequest{Callee: args[0], CallType: args[1]}, nil

	case "CALL_RES":
		if len(args) < 3 {
			return nil, ErrTooFewFields
		}
		id, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return nil, err
		}
		return CallResponse{Caller: args[0], Status: args[1], CallID: id}, nil

	case "CALL_END":
		if len(args) < 2 {
			return nil, ErrTooFewFields
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return nil, err
		}
		return CallEnd{Target: args[0], CallID: id}, nil

	case "TYPING":
		if len(args) < 2 {
			return nil, ErrTooFewFields
		}
		return Typing{Target: args[0], State: args[1]}, nil

	case "REQ_HISTORY":
		if len(args) < 2 {
			return nil, ErrTooFewFields
		}
		return HistoryRequest{Kind: args[0], Target: args[1]}, nil

	case "REQ_FILES":
		if len(args) < 1 {
			return nil, ErrTooFewFields
		}
		return FilesRequest{Target: args[0]}, nil
	}

	return nil, ErrUnknownCommand
}
