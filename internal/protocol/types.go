package protocol

import "fmt"

// Operation is the one-byte action code carried by every package.
type Operation uint8

const (
	OpRegister       Operation = 1
	OpCancel         Operation = 2
	OpLogin          Operation = 3
	OpLogout         Operation = 4
	OpSendData       Operation = 10
	OpRequestData    Operation = 11
	OpChangeData     Operation = 12
	OpResetData      Operation = 13
	OpAddData        Operation = 14
	OpDeleteData     Operation = 15
	OpUpdateData     Operation = 16
	OpSendMessage    Operation = 20
	OpRequestMessage Operation = 21
	OpOnlineMessage  Operation = 22
	OpOfflineMessage Operation = 23
	OpOK             Operation = 100
	OpError          Operation = 101
	OpHeartBeat      Operation = 110
	OpTokenVerify    Operation = 111
	OpBuildLink      Operation = 112
	OpCheckUpdate    Operation = 120
)

var operationNames = map[Operation]string{
	OpRegister:       "register",
	OpCancel:         "cancel",
	OpLogin:          "login",
	OpLogout:         "logout",
	OpSendData:       "send_data",
	OpRequestData:    "request_data",
	OpChangeData:     "change_data",
	OpResetData:      "reset_data",
	OpAddData:        "add_data",
	OpDeleteData:     "delete_data",
	OpUpdateData:     "update_data",
	OpSendMessage:    "send_message",
	OpRequestMessage: "request_message",
	OpOnlineMessage:  "online_message",
	OpOfflineMessage: "offline_message",
	OpOK:             "ok",
	OpError:          "error",
	OpHeartBeat:      "heart_beat",
	OpTokenVerify:    "token_verify",
	OpBuildLink:      "build_link",
	OpCheckUpdate:    "check_update",
}

func (o Operation) String() string {
	if name, ok := operationNames[o]; ok {
		return name
	}
	return fmt.Sprintf("operation(%d)", uint8(o))
}

// Control reports whether o is a link control operation. Control packages
// carry small in-memory payloads on every link role, including File.
func (o Operation) Control() bool {
	switch o {
	case OpCancel, OpOK, OpError, OpHeartBeat, OpTokenVerify, OpBuildLink:
		return true
	default:
		return false
	}
}

// Subtype classifies payload content.
type Subtype uint8

const (
	SubNone               Subtype = 0
	SubText               Subtype = 1
	SubFile               Subtype = 2
	SubImageOriginal      Subtype = 5
	SubImageThumbnail     Subtype = 6
	SubResourceIcon       Subtype = 10
	SubResourceBackground Subtype = 11
	SubResourceAudio      Subtype = 12
	SubHeadOriginal       Subtype = 15
	SubHeadThumbnail      Subtype = 16
	SubUserBaseInfo       Subtype = 20
	SubUserPassword       Subtype = 21
	SubUserName           Subtype = 22
	SubUserContactsInfo   Subtype = 23
	SubUserGroupInfo      Subtype = 24
	SubGroupUser          Subtype = 30
	SubOrgStructure       Subtype = 40
	SubAllUserInfo        Subtype = 41
	SubUser               Subtype = 90
	SubAdmin              Subtype = 91
	SubAttendance         Subtype = 95
	SubMessageAddress     Subtype = 100
	SubFileAddress        Subtype = 101
	SubUpdateFile         Subtype = 120
)

var subtypeNames = map[Subtype]string{
	SubNone:               "none",
	SubText:               "text",
	SubFile:               "file",
	SubImageOriginal:      "image_original",
	SubImageThumbnail:     "image_thumbnail",
	SubResourceIcon:       "resource_icon",
	SubResourceBackground: "resource_background",
	SubResourceAudio:      "resource_audio",
	SubHeadOriginal:       "head_original",
	SubHeadThumbnail:      "head_thumbnail",
	SubUserBaseInfo:       "user_base_info",
	SubUserPassword:       "user_password",
	SubUserName:           "user_name",
	SubUserContactsInfo:   "user_contacts_info",
	SubUserGroupInfo:      "user_group_info",
	SubGroupUser:          "group_user",
	SubOrgStructure:       "org_structure",
	SubAllUserInfo:        "all_user_info",
	SubUser:               "user",
	SubAdmin:              "admin",
	SubAttendance:         "attendance",
	SubMessageAddress:     "message_address",
	SubFileAddress:        "file_address",
	SubUpdateFile:         "update_file",
}

func (s Subtype) String() string {
	if name, ok := subtypeNames[s]; ok {
		return name
	}
	return fmt.Sprintf("subtype(%d)", uint8(s))
}

// AppendState marks a package as one half of a split pair.
type AppendState uint8

const (
	AppendNone     AppendState = 0
	AppendPrimary  AppendState = 1
	AppendAttached AppendState = 2
)

func (a AppendState) String() string {
	switch a {
	case AppendNone:
		return "none"
	case AppendPrimary:
		return "primary"
	case AppendAttached:
		return "attached"
	default:
		return fmt.Sprintf("append(%d)", uint8(a))
	}
}

// Role is the traffic class a socket carries.
type Role uint8

const (
	RoleCommand Role = iota
	RoleMessage
	RoleFile
)

// Roles lists every role in bind order.
var Roles = [...]Role{RoleCommand, RoleMessage, RoleFile}

func (r Role) String() string {
	switch r {
	case RoleCommand:
		return "command"
	case RoleMessage:
		return "message"
	case RoleFile:
		return "file"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// Auxiliary reports whether the role is lazily bootstrapped after login.
func (r Role) Auxiliary() bool {
	return r == RoleMessage || r == RoleFile
}

// AddressSubtype returns the build_link subtype naming this role's listener.
func (r Role) AddressSubtype() (Subtype, error) {
	switch r {
	case RoleMessage:
		return SubMessageAddress, nil
	case RoleFile:
		return SubFileAddress, nil
	default:
		return SubNone, fmt.Errorf("%w: %s has no address", ErrUnknownRole, r)
	}
}

// RoleForAddress maps a build_link subtype back to its role.
func RoleForAddress(s Subtype) (Role, error) {
	switch s {
	case SubMessageAddress:
		return RoleMessage, nil
	case SubFileAddress:
		return RoleFile, nil
	default:
		return 0, fmt.Errorf("%w: subtype %s", ErrUnknownRole, s)
	}
}
