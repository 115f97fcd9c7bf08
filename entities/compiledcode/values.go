//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2024 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package compiledcode

import "fmt"

// NonOopWord is the live value of a NoData reference. It can never be a
// valid object or metadata address.
const NonOopWord uint64 = 0xffff_ffff_ffff_fffe

type ValueKind uint8

const (
	ValueNull ValueKind = iota
	ValueNoData
	ValueType
	ValueMethod
	ValueString
	ValuePrimitive
	ValueLoader
	ValueHeapObject
)

func (k ValueKind) String() string {
	switch k {
	case ValueNull:
		return "null"
	case ValueNoData:
		return "no_data"
	case ValueType:
		return "type"
	case ValueMethod:
		return "method"
	case ValueString:
		return "string"
	case ValuePrimitive:
		return "primitive"
	case ValueLoader:
		return "loader"
	case ValueHeapObject:
		return "heap_object"
	default:
		return fmt.Sprintf("value(%d)", uint8(k))
	}
}

type LoaderKind uint8

const (
	LoaderBoot LoaderKind = iota
	LoaderPlatform
	LoaderApp
)

func (l LoaderKind) String() string {
	switch l {
	case LoaderBoot:
		return "boot"
	case LoaderPlatform:
		return "platform"
	case LoaderApp:
		return "app"
	default:
		return fmt.Sprintf("loader(%d)", uint8(l))
	}
}

func (l LoaderKind) Valid() bool {
	return l <= LoaderApp
}

type BasicType uint8

const (
	BasicBoolean BasicType = iota + 4
	BasicChar
	BasicFloat
	BasicDouble
	BasicByte
	BasicShort
	BasicInt
	BasicLong
	BasicVoid BasicType = 14
)

func (b BasicType) Valid() bool {
	return (b >= BasicBoolean && b <= BasicLong) || b == BasicVoid
}

// Value is a managed object or metadata reference as seen by the compiler's
// recorders. Handle is its identity in the current process.
type Value struct {
	Kind   ValueKind
	Handle uint64
	// Loader is the defining loader of a type, or of a method's holder, or
	// the loader itself for ValueLoader.
	Loader LoaderKind
	// Name is the fully-qualified type name for ValueType, the method name
	// for ValueMethod and the contents for ValueString.
	Name      string
	Holder    string
	Signature string
	Basic     BasicType
}

func NullValue() Value {
	return Value{Kind: ValueNull}
}

func TypeValue(loader LoaderKind, name string, handle uint64) Value {
	return Value{Kind: ValueType, Loader: loader, Name: name, Handle: handle}
}

func StringValue(s string, handle uint64) Value {
	return Value{Kind: ValueString, Name: s, Handle: handle}
}

func (v Value) String() string {
	switch v.Kind {
	case ValueType:
		return fmt.Sprintf("type %s (%s)", v.Name, v.Loader)
	case ValueMethod:
		return fmt.Sprintf("method %s.%s%s (%s)", v.Holder, v.Name, v.Signature, v.Loader)
	case ValueString:
		return fmt.Sprintf("string %q", v.Name)
	case ValuePrimitive:
		return fmt.Sprintf("primitive %d", v.Basic)
	case ValueLoader:
		return fmt.Sprintf("loader %s", v.Loader)
	default:
		return v.Kind.String()
	}
}

// Method identifies a compiled method.
type Method struct {
	Holder    string
	Name      string
	Signature string
	Loader    LoaderKind
	Handle    uint64
}

// FullName is the fully-qualified name and signature, e.g.
// "java.lang.String.hashCode()I".
func (m Method) FullName() string {
	return m.Holder + "." + m.Name + m.Signature
}

func (m Method) Value() Value {
	return Value{
		Kind:      ValueMethod,
		Handle:    m.Handle,
		Loader:    m.Loader,
		Name:      m.Name,
		Holder:    m.Holder,
		Signature: m.Signature,
	}
}
