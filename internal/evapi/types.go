package evapi

// Socket status codes reported by the charger network.
const (
	StatusAvailable   = "AVAILABLE"
	StatusOccupied    = "OCCUPIED"
	StatusReserved    = "RESERVED"
	StatusOutOfOrder  = "OUT_OF_ORDER"
	StatusUnavailable = "UNAVAILABLE"
)

// Connector is one physical socket flattened out of the nested charge-point
// document (charge point > logical socket > physical socket).
type Connector struct {
	CuprID           int64   `json:"cuprId"`
	CuprName         string  `json:"cuprName"`
	CpID             int64   `json:"cpId"`
	LogicalSocketID  int64   `json:"logicalSocketId"`
	PhysicalSocketID int64   `json:"physicalSocketId"`
	SocketCode       string  `json:"socketCode"`
	SocketType       string  `json:"socketType"`
	MaxPower         float64 `json:"maxPower"`
	Status           string  `json:"status"`
	StatusUpdateDate string  `json:"statusUpdateDate"`
	Price            float64 `json:"price"`
}

// Available reports whether the connector can be reserved right now.
func (c Connector) Available() bool {
	return c.Status == StatusAvailable
}

// Transaction is the user's in-progress activity, if any.
type Transaction struct {
	RechargeInProgress    bool   `json:"rechargeInProgress"`
	ReservationInProgress bool   `json:"reservationInProgress"`
	CuprID                int64  `json:"cuprId"`
	PhysicalSocketID      int64  `json:"physicalSocketId"`
	ReservationEndDate    string `json:"reservationEndDate"`
}

// Reservation is the detail view of the user's active reservation.
type Reservation struct {
	ReservationID    int64   `json:"reservationId"`
	CuprID           int64   `json:"cuprId"`
	PhysicalSocketID int64   `json:"physicalSocketId"`
	SocketType       string  `json:"socketType"`
	StartDate        string  `json:"startDate"`
	EndDate          string  `json:"endDate"`
	FinalPrice       float64 `json:"finalPrice"`
	CancelationCost  float64 `json:"cancelationCost"`
	Status           string  `json:"status"`
	Title            string  `json:"title"`
}

// PaymentMethod is the stored card used for reservation pre-authorizations.
type PaymentMethod struct {
	Token      string `json:"token"`
	CardNumber string `json:"cardNumber"`
}

// Order is a payment pre-authorization handle. Raw keeps the full document
// because the payment executor needs merchant fields beyond the ones
// flattened here.
type Order struct {
	OrderID      string `json:"orderId"`
	TokenCod     string `json:"tokenCod"`
	MerchantCode string `json:"merchantCode"`
	CofTxnID     string `json:"cofTxnId"`
	Raw          []byte `json:"-"`
}

// ChargePointSummary is one charge point from an area search.
type ChargePointSummary struct {
	CuprID    int64   `json:"cuprId"`
	Name      string  `json:"name"`
	TypeCode  string  `json:"typeCode"`
	Status    string  `json:"status"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}
