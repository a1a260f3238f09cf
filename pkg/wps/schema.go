package wps

import (
	"fmt"
	"sync"

	"github.com/jhump/protoreflect/desc/builder"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// schema holds the runtime descriptors of the positioning service messages:
//
//	message Body            { repeated AccessPoint access_points = 2; }
//	message AccessPoint     { optional string bssid = 1; optional PositioningInfo positioning_info = 2; }
//	message PositioningInfo { optional int64 latitude = 1; optional int64 longitude = 2; optional int64 accuracy = 3; }
type schema struct {
	body            protoreflect.MessageDescriptor
	accessPoints    protoreflect.FieldDescriptor
	accessPoint     protoreflect.MessageDescriptor
	bssid           protoreflect.FieldDescriptor
	positioningInfo protoreflect.FieldDescriptor
	latitude        protoreflect.FieldDescriptor
	longitude       protoreflect.FieldDescriptor
	accuracy        protoreflect.FieldDescriptor
}

var (
	schemaOnce sync.Once
	schemaVal  *schema
	schemaErr  error
)

func loadSchema() (*schema, error) {
	schemaOnce.Do(func() {
		schemaVal, schemaErr = buildSchema()
	})
	return schemaVal, schemaErr
}

func buildSchema() (*schema, error) {
	positioning := builder.NewMessage("PositioningInfo").
		AddField(builder.NewField("latitude", builder.FieldTypeInt64()).SetNumber(1)).
		AddField(builder.NewField("longitude", builder.FieldTypeInt64()).SetNumber(2)).
		AddField(builder.NewField("accuracy", builder.FieldTypeInt64()).SetNumber(3))

	accessPoint := builder.NewMessage("AccessPoint").
		AddField(builder.NewField("bssid", builder.FieldTypeString()).SetNumber(1)).
		AddField(builder.NewField("positioning_info", builder.FieldTypeMessage(positioning)).SetNumber(2))

	body := builder.NewMessage("Body").
		AddField(builder.NewField("access_points", builder.FieldTypeMessage(accessPoint)).SetNumber(2).SetRepeated())

	fd, err := builder.NewFile("wps.proto").
		SetPackageName("netlocd.wps").
		AddMessage(positioning).
		AddMessage(accessPoint).
		AddMessage(body).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build positioning schema: %w", err)
	}

	bodyDesc := fd.FindMessage("netlocd.wps.Body")
	apDesc := fd.FindMessage("netlocd.wps.AccessPoint")
	posDesc := fd.FindMessage("netlocd.wps.PositioningInfo")
	if bodyDesc == nil || apDesc == nil || posDesc == nil {
		return nil, fmt.Errorf("positioning schema is missing messages")
	}

	s := &schema{
		body:        bodyDesc.UnwrapMessage(),
		accessPoint: apDesc.UnwrapMessage(),
	}
	pos := posDesc.UnwrapMessage()

	s.accessPoints = s.body.Fields().ByName("access_points")
	s.bssid = s.accessPoint.Fields().ByName("bssid")
	s.positioningInfo = s.accessPoint.Fields().ByName("positioning_info")
	s.latitude = pos.Fields().ByName("latitude")
	s.longitude = pos.Fields().ByName("longitude")
	s.accuracy = pos.Fields().ByName("accuracy")

	return s, nil
}
