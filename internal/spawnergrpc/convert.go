package spawnergrpc

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"pkt.systems/showcase/core"
	"pkt.systems/showcase/schema"
)

const (
	fieldOwner   = "owner"
	fieldName    = "name"
	fieldState   = "state"
	fieldURL     = "url"
	fieldOptions = "options"
	fieldSources = "sources"
	fieldOK      = "ok"
)

func slotRequest(owner schema.UserID, name schema.ProcessName) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldOwner: structpb.NewStringValue(string(owner)),
		fieldName:  structpb.NewStringValue(string(name)),
	}}
}

func ownerRequest(owner schema.UserID) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldOwner: structpb.NewStringValue(string(owner)),
	}}
}

func launchRequest(req core.LaunchRequest) (*structpb.Struct, error) {
	out := slotRequest(req.Owner, req.Name)
	options, err := structpb.NewStruct(req.Options)
	if err != nil {
		return nil, fmt.Errorf("encode launch options: %w", err)
	}
	out.Fields[fieldOptions] = structpb.NewStructValue(options)
	return out, nil
}

func fromLaunchRequest(in *structpb.Struct) core.LaunchRequest {
	req := core.LaunchRequest{
		Owner: schema.UserID(stringField(in, fieldOwner)),
		Name:  schema.ProcessName(stringField(in, fieldName)),
	}
	if opts := in.GetFields()[fieldOptions].GetStructValue(); opts != nil {
		req.Options = opts.AsMap()
	} else {
		req.Options = map[string]any{}
	}
	return req
}

func stateResponse(state schema.BackendState) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldState: structpb.NewStringValue(string(state)),
	}}
}

func launchResponse(res core.LaunchResult) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldName:  structpb.NewStringValue(string(res.Name)),
		fieldState: structpb.NewStringValue(string(res.State)),
		fieldURL:   structpb.NewStringValue(res.URL),
	}}
}

func fromLaunchResponse(in *structpb.Struct) core.LaunchResult {
	return core.LaunchResult{
		Name:  schema.ProcessName(stringField(in, fieldName)),
		State: parseState(stringField(in, fieldState)),
		URL:   stringField(in, fieldURL),
	}
}

func sourcesResponse(refs []schema.ProcessRef) *structpb.Struct {
	items := make([]*structpb.Value, 0, len(refs))
	for _, ref := range refs {
		items = append(items, structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			fieldOwner: structpb.NewStringValue(string(ref.Owner)),
			fieldName:  structpb.NewStringValue(string(ref.Name)),
			fieldState: structpb.NewStringValue(string(ref.State)),
		}}))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldSources: structpb.NewListValue(&structpb.ListValue{Values: items}),
	}}
}

func fromSourcesResponse(in *structpb.Struct) []schema.ProcessRef {
	list := in.GetFields()[fieldSources].GetListValue()
	out := make([]schema.ProcessRef, 0, len(list.GetValues()))
	for _, item := range list.GetValues() {
		ref := item.GetStructValue()
		if ref == nil {
			continue
		}
		out = append(out, schema.ProcessRef{
			Owner: schema.UserID(stringField(ref, fieldOwner)),
			Name:  schema.ProcessName(stringField(ref, fieldName)),
			State: parseState(stringField(ref, fieldState)),
		})
	}
	return out
}

func stringField(in *structpb.Struct, key string) string {
	return in.GetFields()[key].GetStringValue()
}

// parseState maps unknown wire values to absent.
func parseState(value string) schema.BackendState {
	switch state := schema.BackendState(value); state {
	case schema.BackendPending, schema.BackendDormant, schema.BackendRunning:
		return state
	default:
		return schema.BackendAbsent
	}
}
