package protocol

import "strconv"

// Code identifies a command on the wire.
type Code int

// Client-issued commands.
const (
	ProjectCreate Code = 100
	ProjectFetch  Code = 101
	ProjectList   Code = 102
	ProjectSync   Code = 103

	ObjectCreate Code = 200
	ObjectUpdate Code = 201
	ObjectDelete Code = 202

	ObjectCheckoutAcquire Code = 300
	ObjectCheckoutRelease Code = 301
)

// Server-pushed frames.
const (
	ObjectMutated   Code = 900
	CheckoutChanged Code = 901
	ProjectSnapshot Code = 902
	Error           Code = 999
)

var codeNames = map[Code]string{
	ProjectCreate:         "PROJECT_CREATE",
	ProjectFetch:          "PROJECT_FETCH",
	ProjectList:           "PROJECT_LIST",
	ProjectSync:           "PROJECT_SYNC",
	ObjectCreate:          "OBJECT_CREATE",
	ObjectUpdate:          "OBJECT_UPDATE",
	ObjectDelete:          "OBJECT_DELETE",
	ObjectCheckoutAcquire: "OBJECT_CHECKOUT_ACQUIRE",
	ObjectCheckoutRelease: "OBJECT_CHECKOUT_RELEASE",
	ObjectMutated:         "OBJECT_MUTATED",
	CheckoutChanged:       "CHECKOUT_CHANGED",
	ProjectSnapshot:       "PROJECT_SNAPSHOT",
	Error:                 "ERROR",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "COMMAND_" + strconv.Itoa(int(c))
}
