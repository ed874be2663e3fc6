package domain

import "time"

// Field names an Order field that merges track individually. Only fields
// that push events or optimistic mutations actually touch are listed.
type Field string

const (
	FieldLifecycleState Field = "lifecycleState"
	FieldPaymentStatus  Field = "paymentStatus"
	FieldCustomerName   Field = "customerName"
	FieldItems          Field = "items"
	FieldTotal          Field = "totalCents"
	FieldScheduledFor   Field = "scheduledFor"
)

// Patch is a sparse field-level update. Nil members are untouched.
type Patch struct {
	LifecycleState *LifecycleState
	PaymentStatus  *PaymentStatus
	CustomerName   *string
	Items          *[]OrderItem
	TotalCents     *int64
	ScheduledFor   *string
}

// Fields lists the fields the patch sets.
func (p Patch) Fields() []Field {
	var fs []Field
	if p.LifecycleState != nil {
		fs = append(fs, FieldLifecycleState)
	}
	if p.PaymentStatus != nil {
		fs = append(fs, FieldPaymentStatus)
	}
	if p.CustomerName != nil {
		fs = append(fs, FieldCustomerName)
	}
	if p.Items != nil {
		fs = append(fs, FieldItems)
	}
	if p.TotalCents != nil {
		fs = append(fs, FieldTotal)
	}
	if p.ScheduledFor != nil {
		fs = append(fs, FieldScheduledFor)
	}
	return fs
}

func (p Patch) Empty() bool { return len(p.Fields()) == 0 }

// Apply writes the patch onto o.
func (p Patch) Apply(o *Order) {
	if p.LifecycleState != nil {
		o.LifecycleState = *p.LifecycleState
	}
	if p.PaymentStatus != nil {
		o.PaymentStatus = *p.PaymentStatus
	}
	if p.CustomerName != nil {
		o.CustomerName = *p.CustomerName
	}
	if p.Items != nil {
		o.Items = *p.Items
	}
	if p.TotalCents != nil {
		o.TotalCents = *p.TotalCents
	}
	if p.ScheduledFor != nil {
		o.ScheduledFor = *p.ScheduledFor
	}
}

// Snapshot captures the current values of the patched fields, producing
// the inverse patch used for rollback.
func (p Patch) Snapshot(o Order) Patch {
	var prior Patch
	if p.LifecycleState != nil {
		v := o.LifecycleState
		prior.LifecycleState = &v
	}
	if p.PaymentStatus != nil {
		v := o.PaymentStatus
		prior.PaymentStatus = &v
	}
	if p.CustomerName != nil {
		v := o.CustomerName
		prior.CustomerName = &v
	}
	if p.Items != nil {
		v := o.Items
		prior.Items = &v
	}
	if p.TotalCents != nil {
		v := o.TotalCents
		prior.TotalCents = &v
	}
	if p.ScheduledFor != nil {
		v := o.ScheduledFor
		prior.ScheduledFor = &v
	}
	return prior
}

// Without returns a copy of the patch with f cleared.
func (p Patch) Without(f Field) Patch {
	switch f {
	case FieldLifecycleState:
		p.LifecycleState = nil
	case FieldPaymentStatus:
		p.PaymentStatus = nil
	case FieldCustomerName:
		p.CustomerName = nil
	case FieldItems:
		p.Items = nil
	case FieldTotal:
		p.TotalCents = nil
	case FieldScheduledFor:
		p.ScheduledFor = nil
	}
	return p
}

// Delta is a remote-originated partial update, stamped with the remote
// timestamp used for conflict resolution against pending mutations.
type Delta struct {
	OrderID string
	At      time.Time
	Patch   Patch
}

func StatePtr(s LifecycleState) *LifecycleState { return &s }
func PaymentPtr(s PaymentStatus) *PaymentStatus { return &s }
