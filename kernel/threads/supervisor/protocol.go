package supervisor

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/nmxmxh/cosmic-lottery/kernel/threads/foundation"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Wire envelope: {"command": "<name>", "data": {...}}. Decoding happens once,
// here; everything past this point works with typed commands.

// DecodeCommand parses and validates one envelope. Every failure is a
// *foundation.ValidationError.
func DecodeCommand(raw []byte) (foundation.Command, error) {
	var env structpb.Struct
	if err := protojson.Unmarshal(raw, &env); err != nil {
		return nil, foundation.NewValidationError("", "", fmt.Sprintf("malformed envelope: %v", err))
	}

	nameVal, ok := env.GetFields()["command"]
	if !ok {
		return nil, foundation.NewValidationError("", "command", "required")
	}
	name, ok := nameVal.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return nil, foundation.NewValidationError("", "command", "must be a string")
	}
	kind := foundation.CommandKind(name.StringValue)

	var data *structpb.Struct
	if v, ok := env.GetFields()["data"]; ok {
		switch d := v.GetKind().(type) {
		case *structpb.Value_StructValue:
			data = d.StructValue
		case *structpb.Value_NullValue:
		default:
			return nil, foundation.NewValidationError(kind, "data", "must be an object")
		}
	}
	p := payload{kind: kind, fields: data.GetFields()}

	var cmd foundation.Command
	var err error
	switch kind {
	case foundation.CmdInit:
		cmd, err = p.decodeInit()
	case foundation.CmdUpdate:
		cmd, err = p.decodeUpdate()
	case foundation.CmdUpdateSelected:
		cmd, err = p.decodeUpdateSelected()
	case foundation.CmdReset:
		cmd = foundation.ResetCommand{}
	case foundation.CmdStart:
		cmd, err = p.decodeStart()
	case foundation.CmdDraw:
		cmd = foundation.DrawCommand{}
	case foundation.CmdDispose:
		cmd = foundation.DisposeCommand{}
	default:
		return nil, foundation.NewValidationError(kind, "command", "unknown command")
	}
	if err != nil {
		return nil, err
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// EncodeCommand renders a command as an envelope
func EncodeCommand(cmd foundation.Command) ([]byte, error) {
	data := map[string]interface{}{}
	switch c := cmd.(type) {
	case foundation.InitCommand:
		data["particleCount"] = c.ParticleCount
		data["seed"] = strconv.FormatUint(c.Seed, 10)
	case foundation.UpdateCommand:
		data["phase"] = c.Phase.String()
		data["params"] = map[string]interface{}{
			"gravitationalPull":     c.Params.GravitationalPull,
			"orbitalVelocityFactor": c.Params.OrbitalVelocityFactor,
			"damping":               c.Params.Damping,
			"progress":              c.Params.Progress,
		}
		data["time"] = float64(c.Time) / float64(time.Millisecond)
	case foundation.UpdateSelectedCommand:
		indices := make([]interface{}, len(c.Indices))
		for i, idx := range c.Indices {
			indices[i] = idx
		}
		data["indices"] = indices
	case foundation.StartCommand:
		data["maxNumber"] = c.MaxNumber
		data["luckyCount"] = c.LuckyCount
	}

	st, err := structpb.NewStruct(map[string]interface{}{
		"command": string(cmd.Kind()),
		"data":    data,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", cmd.Kind(), err)
	}
	return protojson.Marshal(st)
}

// EncodeStatus renders a status report for collaborators
func EncodeStatus(s Status) ([]byte, error) {
	fields := map[string]interface{}{
		"status": string(s.Kind),
		"phase":  s.Phase.String(),
	}
	if s.RunID != "" {
		fields["runId"] = s.RunID
	}
	if s.Err != nil {
		fields["error"] = s.Err.Error()
	}
	if s.Detail != "" {
		fields["detail"] = s.Detail
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	return protojson.Marshal(st)
}

type payload struct {
	kind   foundation.CommandKind
	fields map[string]*structpb.Value
}

func (p payload) number(name string, required bool) (float64, bool, error) {
	v, ok := p.fields[name]
	if !ok {
		if required {
			return 0, false, foundation.NewValidationError(p.kind, name, "required")
		}
		return 0, false, nil
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, false, foundation.NewValidationError(p.kind, name, "must be a number")
	}
	return n.NumberValue, true, nil
}

func (p payload) integer(name string, required bool) (int, bool, error) {
	f, ok, err := p.number(name, required)
	if err != nil || !ok {
		return 0, ok, err
	}
	if f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, false, foundation.NewValidationError(p.kind, name, "must be an integer")
	}
	return int(f), true, nil
}

func (p payload) decodeInit() (foundation.Command, error) {
	n, _, err := p.integer("particleCount", true)
	if err != nil {
		return nil, err
	}
	cmd := foundation.InitCommand{ParticleCount: n}

	if v, ok := p.fields["seed"]; ok {
		switch s := v.GetKind().(type) {
		case *structpb.Value_StringValue:
			seed, err := strconv.ParseUint(s.StringValue, 10, 64)
			if err != nil {
				return nil, foundation.NewValidationError(p.kind, "seed", "must be an unsigned integer")
			}
			cmd.Seed = seed
		case *structpb.Value_NumberValue:
			if s.NumberValue < 0 || s.NumberValue != math.Trunc(s.NumberValue) {
				return nil, foundation.NewValidationError(p.kind, "seed", "must be an unsigned integer")
			}
			cmd.Seed = uint64(s.NumberValue)
		default:
			return nil, foundation.NewValidationError(p.kind, "seed", "must be a string or number")
		}
	}
	return cmd, nil
}

func (p payload) decodeUpdate() (foundation.Command, error) {
	v, ok := p.fields["phase"]
	if !ok {
		return nil, foundation.NewValidationError(p.kind, "phase", "required")
	}
	name, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return nil, foundation.NewValidationError(p.kind, "phase", "must be a string")
	}
	phase, err := foundation.ParsePhase(name.StringValue)
	if err != nil {
		return nil, foundation.NewValidationError(p.kind, "phase", err.Error())
	}

	pv, ok := p.fields["params"]
	if !ok {
		return nil, foundation.NewValidationError(p.kind, "params", "required")
	}
	ps, ok := pv.GetKind().(*structpb.Value_StructValue)
	if !ok {
		return nil, foundation.NewValidationError(p.kind, "params", "must be an object")
	}
	params := payload{kind: p.kind, fields: ps.StructValue.GetFields()}

	cmd := foundation.UpdateCommand{Phase: phase}
	if cmd.Params.GravitationalPull, _, err = params.number("gravitationalPull", true); err != nil {
		return nil, err
	}
	if cmd.Params.OrbitalVelocityFactor, _, err = params.number("orbitalVelocityFactor", true); err != nil {
		return nil, err
	}
	if cmd.Params.Damping, _, err = params.number("damping", true); err != nil {
		return nil, err
	}
	if cmd.Params.Progress, _, err = params.number("progress", false); err != nil {
		return nil, err
	}

	ms, _, err := p.number("time", false)
	if err != nil {
		return nil, err
	}
	cmd.Time = time.Duration(ms * float64(time.Millisecond))
	return cmd, nil
}

func (p payload) decodeUpdateSelected() (foundation.Command, error) {
	v, ok := p.fields["indices"]
	if !ok {
		return nil, foundation.NewValidationError(p.kind, "indices", "required")
	}
	list, ok := v.GetKind().(*structpb.Value_ListValue)
	if !ok {
		return nil, foundation.NewValidationError(p.kind, "indices", "must be an array")
	}

	values := list.ListValue.GetValues()
	indices := make([]int, 0, len(values))
	items := payload{kind: p.kind, fields: make(map[string]*structpb.Value, 1)}
	for _, item := range values {
		items.fields["indices"] = item
		n, _, err := items.integer("indices", true)
		if err != nil {
			return nil, foundation.NewValidationError(p.kind, "indices", "must contain integers")
		}
		indices = append(indices, n)
	}
	return foundation.UpdateSelectedCommand{Indices: indices}, nil
}

func (p payload) decodeStart() (foundation.Command, error) {
	maxNumber, _, err := p.integer("maxNumber", true)
	if err != nil {
		return nil, err
	}
	lucky, _, err := p.integer("luckyCount", true)
	if err != nil {
		return nil, err
	}
	return foundation.StartCommand{MaxNumber: maxNumber, LuckyCount: lucky}, nil
}
