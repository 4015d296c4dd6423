package proto

import (
	"errors"
	"fmt"
	"strings"

	"github.com/canonical/vzdispatch/shared/api"
)

// Authorization flags.
const (
	AuthFlagPublicKey   uint32 = 1 << 0
	AuthFlagSessionUUID uint32 = 1 << 1
	AuthFlagVerify      uint32 = 1 << 2
)

// ErrNotCommand is returned when parsing a package that carries transfer data.
var ErrNotCommand = errors.New("package does not carry a structured command")

// Command is the closed set of structured commands decoded from buffer 0.
type Command interface {
	CommandID() CommandID
	Validate() error
	command()
}

// Authorize opens a dispatcher-to-dispatcher session.
type Authorize struct {
	Flags       uint32 `mapstructure:"flags"`
	UserName    string `mapstructure:"user_name"`
	Password    string `mapstructure:"password"`
	SessionUUID string `mapstructure:"session_uuid"`
	PublicKey   string `mapstructure:"public_key"`
}

// Logoff closes the session.
type Logoff struct{}

// Response answers any request.
type Response struct {
	RequestCommandID CommandID      `mapstructure:"request_command_id"`
	RetCode          api.ResultCode `mapstructure:"ret_code"`
	ErrorInfo        Event          `mapstructure:"error_info"`
	Params           []string       `mapstructure:"params"`
}

// HostHardware describes the CPU of the source host.
type HostHardware struct {
	Architecture string   `mapstructure:"architecture" yaml:"architecture"`
	CPUVendor    string   `mapstructure:"cpu_vendor" yaml:"cpu_vendor"`
	CPUModel     string   `mapstructure:"cpu_model" yaml:"cpu_model"`
	CPUFeatures  []string `mapstructure:"cpu_features" yaml:"cpu_features"`
	CPUCount     uint32   `mapstructure:"cpu_count" yaml:"cpu_count"`
}

// MigrateRequest holds the fields shared by migration check and start commands.
type MigrateRequest struct {
	Version        uint32 `mapstructure:"version"`
	VMID           string `mapstructure:"vm_id"`
	DirID          string `mapstructure:"dir_id"`
	VMName         string `mapstructure:"vm_name"`
	TargetVMName   string `mapstructure:"target_vm_name"`
	TargetHomePath string `mapstructure:"target_home_path"`
	VMConfig       string `mapstructure:"vm_config"`
	MigrationFlags uint32 `mapstructure:"migration_flags"`
	ReservedFlags  uint32 `mapstructure:"reserved_flags"`
	PrevState      string `mapstructure:"prev_state"`
}

func (r MigrateRequest) validate() error {
	if r.VMID == "" {
		return fmt.Errorf("Missing VM identifier")
	}

	if r.VMConfig == "" {
		return fmt.Errorf("Missing VM configuration")
	}

	return nil
}

// VMCheckPreconditions asks the target to validate a migration.
type VMCheckPreconditions struct {
	MigrateRequest    `mapstructure:",squash"`
	SourceHardware    HostHardware `mapstructure:"source_hardware"`
	SharedFileName    string       `mapstructure:"shared_file_name"`
	StorageInfo       string       `mapstructure:"storage_info"`
	RequiredDiskSpace uint64       `mapstructure:"required_disk_space"`
	CPUCount          uint32       `mapstructure:"cpu_count"`
}

// VMStart asks the target to prepare for data transfer.
type VMStart struct {
	MigrateRequest    `mapstructure:",squash"`
	SnapshotUUID      string `mapstructure:"snapshot_uuid"`
	BundlePermissions uint32 `mapstructure:"bundle_permissions"`
	ConfigPermissions uint32 `mapstructure:"config_permissions"`
}

// VMCheckPreconditionsReply lists every failed check.
type VMCheckPreconditionsReply struct {
	RetCode        api.ResultCode `mapstructure:"ret_code"`
	Results        []string       `mapstructure:"results"`
	NonSharedDisks []string       `mapstructure:"non_shared_disks"`
	Flags          uint32         `mapstructure:"flags"`
}

// VMMigrateStartReply answers a start command.
type VMMigrateStartReply struct {
	TargetHomePath string `mapstructure:"target_home_path"`
	MemFilePath    string `mapstructure:"mem_file_path"`
}

// VMMigrateCancel aborts a migration in progress.
type VMMigrateCancel struct {
	VMID  string `mapstructure:"vm_id"`
	DirID string `mapstructure:"dir_id"`
}

// VMMigrateFinish tells the target that every byte has been sent.
type VMMigrateFinish struct {
	VMID  string `mapstructure:"vm_id"`
	DirID string `mapstructure:"dir_id"`
}

// CtMigrateCheckPreconditions asks the target to validate a container migration.
type CtMigrateCheckPreconditions struct {
	MigrateRequest    `mapstructure:",squash"`
	RequiredDiskSpace uint64   `mapstructure:"required_disk_space"`
	Templates         []string `mapstructure:"templates"`
}

// CtMigrateStart asks the target to spawn the migration tool.
type CtMigrateStart struct {
	MigrateRequest `mapstructure:",squash"`
	NewCtID        string `mapstructure:"new_ct_id"`
	NewPrivate     string `mapstructure:"new_private"`
}

// Backup is any command of the backup family.
type Backup struct {
	ID   CommandID `mapstructure:"command_id"`
	VMID string    `mapstructure:"vm_id"`
}

// CopyCtTemplate asks the target to receive a container template.
type CopyCtTemplate struct {
	Template string `mapstructure:"template"`
}

// CommandID implementations.
func (Authorize) CommandID() CommandID                   { return AuthorizeCmd }
func (Logoff) CommandID() CommandID                      { return LogoffCmd }
func (Response) CommandID() CommandID                    { return ResponseCmd }
func (VMCheckPreconditions) CommandID() CommandID        { return VMMigrateCheckPreconditionsCmd }
func (VMStart) CommandID() CommandID                     { return VMMigrateStartCmd }
func (VMCheckPreconditionsReply) CommandID() CommandID   { return VMMigrateCheckPreconditionsReply }
func (VMMigrateStartReply) CommandID() CommandID         { return VMMigrateReply }
func (VMMigrateCancel) CommandID() CommandID             { return VMMigrateCancelCmd }
func (VMMigrateFinish) CommandID() CommandID             { return VMMigrateFinishCmd }
func (CtMigrateCheckPreconditions) CommandID() CommandID { return CtMigrateCheckPreconditionsCmd }
func (CtMigrateStart) CommandID() CommandID              { return CtMigrateStartCmd }
func (b Backup) CommandID() CommandID                    { return b.ID }
func (CopyCtTemplate) CommandID() CommandID              { return CopyCtTemplateCmd }

func (Authorize) command()                   {}
func (Logoff) command()                      {}
func (Response) command()                    {}
func (VMCheckPreconditions) command()        {}
func (VMStart) command()                     {}
func (VMCheckPreconditionsReply) command()   {}
func (VMMigrateStartReply) command()         {}
func (VMMigrateCancel) command()             {}
func (VMMigrateFinish) command()             {}
func (CtMigrateCheckPreconditions) command() {}
func (CtMigrateStart) command()              {}
func (Backup) command()                      {}
func (CopyCtTemplate) command()              {}

// Validate checks the credentials required by the selected flow.
func (a Authorize) Validate() error {
	switch {
	case a.Flags&AuthFlagPublicKey != 0:
		if a.UserName == "" || a.PublicKey == "" {
			return fmt.Errorf("Public key login requires a user name and a key")
		}

	case a.Flags&(AuthFlagSessionUUID|AuthFlagVerify) != 0:
		if a.SessionUUID == "" {
			return fmt.Errorf("Missing session UUID")
		}

	default:
		if a.UserName == "" {
			return fmt.Errorf("Missing user name")
		}
	}

	return nil
}

// Validate always succeeds.
func (Logoff) Validate() error { return nil }

// Validate checks the request id is set.
func (r Response) Validate() error {
	if r.RequestCommandID == UnknownCmd {
		return fmt.Errorf("Missing request command id")
	}

	return nil
}

// Validate checks the common request fields.
func (c VMCheckPreconditions) Validate() error { return c.MigrateRequest.validate() }

// Validate checks the common request fields.
func (c VMStart) Validate() error { return c.MigrateRequest.validate() }

// Validate always succeeds.
func (VMCheckPreconditionsReply) Validate() error { return nil }

// Err returns the aggregated check failures, or nil when every check passed.
func (r VMCheckPreconditionsReply) Err() error {
	if r.RetCode == api.Success && len(r.Results) == 0 {
		return nil
	}

	code := r.RetCode
	if code == api.Success {
		code = api.PreconditionsFailed
	}

	return api.ResultErrorf(code, "%s", strings.Join(r.Results, "; "))
}

// Validate always succeeds.
func (VMMigrateStartReply) Validate() error { return nil }

// Validate checks the VM identifier.
func (c VMMigrateCancel) Validate() error {
	if c.VMID == "" {
		return fmt.Errorf("Missing VM identifier")
	}

	return nil
}

// Validate checks the VM identifier.
func (c VMMigrateFinish) Validate() error {
	if c.VMID == "" {
		return fmt.Errorf("Missing VM identifier")
	}

	return nil
}

// Validate checks the common request fields.
func (c CtMigrateCheckPreconditions) Validate() error { return c.MigrateRequest.validate() }

// Validate checks the common request fields.
func (c CtMigrateStart) Validate() error { return c.MigrateRequest.validate() }

// Validate always succeeds.
func (Backup) Validate() error { return nil }

// Validate checks the template name.
func (c CopyCtTemplate) Validate() error {
	if c.Template == "" {
		return fmt.Errorf("Missing template name")
	}

	return nil
}

// ParseCommand decodes buffer 0 of p into the variant selected by the header type.
func ParseCommand(p *Package) (Command, error) {
	if Classify(p.Header.Type).IsTransferData() {
		return nil, ErrNotCommand
	}

	var cmd Command
	var err error

	body := p.Buffer(0)
	switch p.Header.Type {
	case AuthorizeCmd:
		cmd, err = parseBody[Authorize](body)
	case LogoffCmd:
		cmd = Logoff{}
	case ResponseCmd:
		cmd, err = parseBody[Response](body)
	case VMMigrateCheckPreconditionsCmd:
		cmd, err = parseBody[VMCheckPreconditions](body)
	case VMMigrateStartCmd:
		cmd, err = parseBody[VMStart](body)
	case VMMigrateCheckPreconditionsReply:
		cmd, err = parseBody[VMCheckPreconditionsReply](body)
	case VMMigrateReply:
		cmd, err = parseBody[VMMigrateStartReply](body)
	case VMMigrateCancelCmd:
		cmd, err = parseBody[VMMigrateCancel](body)
	case VMMigrateFinishCmd:
		cmd, err = parseBody[VMMigrateFinish](body)
	case CtMigrateCheckPreconditionsCmd:
		cmd, err = parseBody[CtMigrateCheckPreconditions](body)
	case CtMigrateStartCmd:
		cmd, err = parseBody[CtMigrateStart](body)
	case CopyCtTemplateCmd:
		cmd, err = parseBody[CopyCtTemplate](body)
	case VMBackupGetTreeCmd, VMBackupCreateCmd, VMBackupRestoreCmd, VMBackupRemoveCmd, VMBackupCreateLocalCmd, VMBackupAttachCmd, VMBackupConnectSourceCmd:
		b := Backup{}
		if len(body) > 0 {
			_, err = UnmarshalBody(body, &b)
		}

		b.ID = p.Header.Type
		cmd = b
	default:
		return nil, fmt.Errorf("Unknown command %s", p.Header.Type)
	}

	if err != nil {
		return nil, err
	}

	err = cmd.Validate()
	if err != nil {
		return nil, fmt.Errorf("Invalid %s: %w", p.Header.Type, err)
	}

	return cmd, nil
}

func parseBody[T Command](body []byte) (Command, error) {
	var c T

	_, err := UnmarshalBody(body, &c)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// NewCommandPackage serialises cmd into a new package.
func NewCommandPackage(cmd Command, extra ...[]byte) (*Package, error) {
	body, err := MarshalBody(cmd.CommandID().String(), cmd)
	if err != nil {
		return nil, err
	}

	return NewPackage(cmd.CommandID(), append([][]byte{body}, extra...)...), nil
}

// NewCommandReply serialises cmd into a package correlated with parent.
func NewCommandReply(parent *Package, cmd Command, extra ...[]byte) (*Package, error) {
	p, err := NewCommandPackage(cmd, extra...)
	if err != nil {
		return nil, err
	}

	p.Header.ParentID = parent.Header.ID

	return p, nil
}

// NewResponse builds the generic response to req.
func NewResponse(req *Package, code api.ResultCode, errInfo Event, params ...string) *Package {
	resp := Response{
		RequestCommandID: req.Header.Type,
		RetCode:          code,
		ErrorInfo:        errInfo,
		Params:           params,
	}

	p, err := NewCommandReply(req, resp)
	if err != nil {
		// The body only holds plain strings and integers.
		panic(err)
	}

	return p
}

// NewErrorResponse builds a response to req describing err.
func NewErrorResponse(req *Package, err error) *Package {
	return NewResponse(req, api.ResultCodeOf(err), ErrorEvent(err))
}

// ParseResponse extracts the generic response from p.
func ParseResponse(p *Package) (Response, error) {
	if p.Header.Type != ResponseCmd {
		return Response{}, api.ResultErrorf(api.UnexpectedResponseType, "Expected %s, got %s", ResponseCmd, p.Header.Type)
	}

	cmd, err := ParseCommand(p)
	if err != nil {
		return Response{}, err
	}

	return cmd.(Response), nil
}

// Err returns the error described by the response, or nil on success.
func (r Response) Err() error {
	if r.RetCode == api.Success {
		return nil
	}

	if r.ErrorInfo.Message != "" {
		return api.ResultErrorf(r.RetCode, "%s", r.ErrorInfo.Message)
	}

	return api.ResultErrorf(r.RetCode, "")
}
