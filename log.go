package genmqtt

import (
	"context"
	"log/slog"
	"reflect"

	"github.com/eclipse/paho.golang/packets"
	"github.com/iancoleman/strcase"

	"github.com/mprymek/gen-mqtt/internal/log"
)

type logger struct{ log.Logger }

func (l logger) info(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.Log(ctx, slog.LevelInfo, msg, attrs...)
}

func (l logger) warn(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.Log(ctx, slog.LevelWarn, msg, attrs...)
}

func (l logger) debug(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.Log(ctx, slog.LevelDebug, msg, attrs...)
}

func errAttr(err error) slog.Attr {
	if err == nil {
		return slog.Any("error", nil)
	}
	return slog.String("error", err.Error())
}

// packet logs the fields of a control packet at debug level.
func (l logger) packet(
	ctx context.Context,
	name string,
	packet *packets.ControlPacket,
) {
	// This is expensive; bail out if we don't need it.
	if !l.Enabled(ctx, slog.LevelDebug) {
		return
	}

	val := realValue(reflect.ValueOf(packet.Content))
	if val.Kind() != reflect.Struct {
		l.Log(ctx, slog.LevelDebug, name)
		return
	}
	l.Log(ctx, slog.LevelDebug, name, reflectAttrs(val)...)
}

func reflectAttrs(val reflect.Value) []slog.Attr {
	typ := val.Type()
	var attrs []slog.Attr
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		if !f.IsExported() {
			continue
		}

		attrs = append(attrs, reflectAttr(
			strcase.ToSnake(f.Name),
			realValue(val.Field(i)),
		))
	}
	return attrs
}

func reflectAttr(name string, val reflect.Value) slog.Attr {
	switch val.Kind() {
	case reflect.Invalid:
		return slog.Any(name, nil)
	case reflect.String:
		return slog.String(name, val.String())
	case reflect.Bool:
		return slog.Bool(name, val.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32,
		reflect.Int64:
		return slog.Int64(name, val.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32,
		reflect.Uint64:
		return slog.Uint64(name, val.Uint())
	case reflect.Slice:
		if val.Type().Elem().Kind() == reflect.Uint8 {
			// Payloads may be large or binary; log only their length.
			return slog.Int(name+"_len", val.Len())
		}
		return slog.Any(name, val.Interface())
	default:
		return slog.Any(name, val.Interface())
	}
}

// realValue dereferences pointers and interfaces down to the concrete value.
func realValue(val reflect.Value) reflect.Value {
	for (val.Kind() == reflect.Pointer || val.Kind() == reflect.Interface) &&
		!val.IsNil() {
		val = val.Elem()
	}
	return val
}
