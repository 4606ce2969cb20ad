package login

import "civicwater/internal/domain"

type Kind string

const (
	KindMobile   Kind = "mobile"
	KindConsumer Kind = "consumer"
)

// Session is an authenticated citizen. Each variant guarantees only its own
// fields.
type Session interface {
	Kind() Kind
	Subject() string
	Property() string
}

// MobileSession is a login by registered mobile number. PropertyID is empty
// until a property is selected.
type MobileSession struct {
	Mobile     string            `json:"mobile"`
	Properties []domain.Property `json:"properties,omitempty"`
	PropertyID string            `json:"propertyId,omitempty"`
}

func (s MobileSession) Kind() Kind       { return KindMobile }
func (s MobileSession) Subject() string  { return s.Mobile }
func (s MobileSession) Property() string { return s.PropertyID }

// ConsumerSession is a login by consumer number and is bound to the
// connection's property.
type ConsumerSession struct {
	ConsumerNumber string `json:"consumerNumber"`
	PropertyID     string `json:"propertyId"`
}

func (s ConsumerSession) Kind() Kind       { return KindConsumer }
func (s ConsumerSession) Subject() string  { return s.ConsumerNumber }
func (s ConsumerSession) Property() string { return s.PropertyID }
