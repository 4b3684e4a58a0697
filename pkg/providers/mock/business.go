package mock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/harunnryd/concierge/pkg/business"
)

// Customer is one seeded account of the in-memory business system.
type Customer struct {
	ID    string
	Name  string
	Phone string
	Zip   string
}

// Seed is the initial data of a BusinessAdapter.
type Seed struct {
	Customers    []Customer
	Appointments []business.Appointment
	Slots        []business.Slot
	Invoices     map[string][]business.Invoice
	Policies     map[string]string
}

// DefaultSeed returns a small HVAC service data set.
func DefaultSeed() Seed {
	return Seed{
		Customers: []Customer{
			{ID: "cust_001", Name: "Dana Whitfield", Phone: "+14155550142", Zip: "94107"},
			{ID: "cust_002", Name: "Priya Raman", Phone: "+14155550199", Zip: "94110"},
			{ID: "cust_003", Name: "Sam Ortega", Phone: "+14155550199", Zip: "94016"},
		},
		Appointments: []business.Appointment{
			{ID: "appt_001", CustomerID: "cust_001", Date: "2026-10-20", Window: "8am-12pm", Service: "AC tune-up", Technician: "Luis", Status: "scheduled"},
			{ID: "appt_002", CustomerID: "cust_001", Date: "2026-11-03", Window: "1pm-5pm", Service: "Furnace inspection", Technician: "Mei", Status: "scheduled"},
			{ID: "appt_003", CustomerID: "cust_002", Date: "2026-10-22", Window: "8am-12pm", Service: "Duct cleaning", Status: "scheduled"},
		},
		Slots: []business.Slot{
			{ID: "slot_101", Date: "2026-10-21", Window: "8am-12pm", Technician: "Luis"},
			{ID: "slot_102", Date: "2026-10-23", Window: "1pm-5pm", Technician: "Mei"},
			{ID: "slot_103", Date: "2026-10-27", Window: "8am-12pm", Technician: "Ana"},
		},
		Invoices: map[string][]business.Invoice{
			"cust_001": {{ID: "inv_501", AmountCents: 18900, Currency: "USD", DueDate: "2026-10-30", Status: "open"}},
		},
		Policies: map[string]string{
			"cancellation": "Appointments can be cancelled free of charge up to 24 hours before the service window.",
			"warranty":     "Repairs carry a 90 day parts and labor warranty.",
		},
	}
}

// BusinessAdapter is an in-memory business.Adapter. Failures can be
// injected per operation name for tests.
type BusinessAdapter struct {
	mu        sync.Mutex
	customers []Customer
	appts     []business.Appointment
	slots     []business.Slot
	invoices  map[string][]business.Invoice
	policies  map[string]string
	tickets   int
	nextAppt  int
	failures  map[string]error
	calls     map[string]int
}

func NewBusinessAdapter(seed Seed) *BusinessAdapter {
	b := &BusinessAdapter{
		customers: append([]Customer(nil), seed.Customers...),
		appts:     append([]business.Appointment(nil), seed.Appointments...),
		slots:     append([]business.Slot(nil), seed.Slots...),
		invoices:  map[string][]business.Invoice{},
		policies:  map[string]string{},
		nextAppt:  len(seed.Appointments) + 1,
		failures:  map[string]error{},
		calls:     map[string]int{},
	}
	for k, v := range seed.Invoices {
		b.invoices[k] = append([]business.Invoice(nil), v...)
	}
	for k, v := range seed.Policies {
		b.policies[k] = v
	}
	return b
}

// Fail makes every later call of op return err. A nil err clears it.
func (b *BusinessAdapter) Fail(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failures, op)
		return
	}
	b.failures[op] = err
}

// Calls returns how often op was invoked.
func (b *BusinessAdapter) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

func (b *BusinessAdapter) enter(ctx context.Context, op string) error {
	b.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.failures[op]
}

func (b *BusinessAdapter) LookupCustomerByPhone(ctx context.Context, phone string) ([]business.CustomerMatch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(ctx, "lookup_customer_by_phone"); err != nil {
		return nil, err
	}
	want := digits(phone)
	var out []business.CustomerMatch
	for _, c := range b.customers {
		if want != "" && digits(c.Phone) == want {
			out = append(out, business.CustomerMatch{ID: c.ID, Name: c.Name, Phone: c.Phone})
		}
	}
	return out, nil
}

func (b *BusinessAdapter) VerifyAccount(ctx context.Context, customerID, zip string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(ctx, "verify_account"); err != nil {
		return false, err
	}
	for _, c := range b.customers {
		if c.ID == customerID {
			return c.Zip == strings.TrimSpace(zip), nil
		}
	}
	return false, nil
}

func (b *BusinessAdapter) ListUpcomingAppointments(ctx context.Context, customerID string, limit int) ([]business.Appointment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(ctx, "list_upcoming_appointments"); err != nil {
		return nil, err
	}
	var out []business.Appointment
	for _, a := range b.appts {
		if a.CustomerID == customerID && a.Status == "scheduled" {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *BusinessAdapter) GetAvailableSlots(ctx context.Context, customerID string, window business.SlotWindow) ([]business.Slot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(ctx, "get_available_slots"); err != nil {
		return nil, err
	}
	from, to := window.From.Format("2006-01-02"), window.To.Format("2006-01-02")
	var out []business.Slot
	for _, s := range b.slots {
		if !window.From.IsZero() && s.Date < from {
			continue
		}
		if !window.To.IsZero() && s.Date > to {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (b *BusinessAdapter) CancelAppointment(ctx context.Context, appointmentID string) (business.CancelResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(ctx, "cancel_appointment"); err != nil {
		return business.CancelResult{}, err
	}
	for i := range b.appts {
		if b.appts[i].ID == appointmentID && b.appts[i].Status == "scheduled" {
			b.appts[i].Status = "cancelled"
			return business.CancelResult{OK: true}, nil
		}
	}
	return business.CancelResult{OK: false}, nil
}

func (b *BusinessAdapter) RescheduleAppointment(ctx context.Context, appointmentID, slotID string) (business.RescheduleResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(ctx, "reschedule_appointment"); err != nil {
		return business.RescheduleResult{}, err
	}
	slotIdx := -1
	for i, s := range b.slots {
		if s.ID == slotID {
			slotIdx = i
		}
	}
	if slotIdx < 0 {
		return business.RescheduleResult{OK: false}, nil
	}
	for i := range b.appts {
		if b.appts[i].ID != appointmentID || b.appts[i].Status != "scheduled" {
			continue
		}
		slot := b.slots[slotIdx]
		b.appts[i].Date, b.appts[i].Window, b.appts[i].Technician = slot.Date, slot.Window, slot.Technician
		b.slots = append(b.slots[:slotIdx], b.slots[slotIdx+1:]...)
		appt := b.appts[i]
		return business.RescheduleResult{OK: true, Appointment: &appt}, nil
	}
	return business.RescheduleResult{OK: false}, nil
}

func (b *BusinessAdapter) CreateAppointment(ctx context.Context, in business.CreateAppointmentInput) (business.CreateResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(ctx, "create_appointment"); err != nil {
		return business.CreateResult{}, err
	}
	for i, s := range b.slots {
		if s.ID != in.SlotID {
			continue
		}
		id := fmt.Sprintf("appt_%03d", b.nextAppt)
		b.nextAppt++
		b.appts = append(b.appts, business.Appointment{
			ID: id, CustomerID: in.CustomerID, Date: s.Date, Window: s.Window,
			Service: in.Service, Technician: s.Technician, Status: "scheduled",
		})
		b.slots = append(b.slots[:i], b.slots[i+1:]...)
		return business.CreateResult{OK: true, AppointmentID: id}, nil
	}
	return business.CreateResult{OK: false}, nil
}

func (b *BusinessAdapter) GetOpenInvoices(ctx context.Context, customerID string) ([]business.Invoice, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(ctx, "get_open_invoices"); err != nil {
		return nil, err
	}
	return append([]business.Invoice(nil), b.invoices[customerID]...), nil
}

func (b *BusinessAdapter) GetServicePolicy(ctx context.Context, topic string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(ctx, "get_service_policy"); err != nil {
		return "", err
	}
	topic = strings.ToLower(strings.TrimSpace(topic))
	for k, v := range b.policies {
		if strings.Contains(topic, k) || strings.Contains(k, topic) && topic != "" {
			return v, nil
		}
	}
	return "", errors.New("no policy for topic " + topic)
}

func (b *BusinessAdapter) Escalate(ctx context.Context, in business.EscalationInput) (business.EscalationResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter(ctx, "escalate"); err != nil {
		return business.EscalationResult{}, err
	}
	b.tickets++
	return business.EscalationResult{OK: true, TicketID: fmt.Sprintf("TCK-%04d", b.tickets)}, nil
}

func digits(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
