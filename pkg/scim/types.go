package scim

// SCIM schema URNs used by the Gluu user endpoint.
const (
	UserSchema          = "urn:ietf:params:scim:schemas:core:2.0:User"
	UserExtensionSchema = "urn:ietf:params:scim:schemas:extension:gluu:2.0:User"
	ListSchema          = "urn:ietf:params:scim:api:messages:2.0:ListResponse"
)

// Name is the SCIM name sub-attribute set.
type Name struct {
	GivenName  string `json:"givenName,omitempty"`
	FamilyName string `json:"familyName,omitempty"`
	Formatted  string `json:"formatted,omitempty"`
}

// Email is a SCIM multi-valued email entry.
type Email struct {
	Value   string `json:"value"`
	Type    string `json:"type,omitempty"`
	Primary bool   `json:"primary,omitempty"`
}

// Meta is the SCIM resource metadata block.
type Meta struct {
	ResourceType string `json:"resourceType,omitempty"`
	Created      string `json:"created,omitempty"`
	LastModified string `json:"lastModified,omitempty"`
	Location     string `json:"location,omitempty"`
}

// ExtensionAttributes are the Gluu-side custom attributes carried under the
// extension schema URN.
type ExtensionAttributes struct {
	ExtSystem       string   `json:"extSystem,omitempty"`
	ExtKey          string   `json:"extKey,omitempty"`
	MemberID        string   `json:"memberId,omitempty"`
	PersonTypes     []string `json:"personType,omitempty"`
	CheckPersonType *bool    `json:"checkPersonType,omitempty"`
	SchoolCodes     []int    `json:"schoolCode,omitempty"`
}

// User is a SCIM user resource. Password is write-only: it is sent on create
// and never returned by the server.
type User struct {
	Schemas           []string             `json:"schemas"`
	ID                string               `json:"id,omitempty"`
	UserName          string               `json:"userName"`
	Password          string               `json:"password,omitempty"`
	DisplayName       string               `json:"displayName,omitempty"`
	NickName          string               `json:"nickName,omitempty"`
	PreferredLanguage string               `json:"preferredLanguage,omitempty"`
	Active            *bool                `json:"active,omitempty"`
	Name              *Name                `json:"name,omitempty"`
	Emails            []Email              `json:"emails,omitempty"`
	Meta              *Meta                `json:"meta,omitempty"`
	Extension         *ExtensionAttributes `json:"urn:ietf:params:scim:schemas:extension:gluu:2.0:User,omitempty"`
}

// ListResponse is the SCIM list envelope returned by filtered searches.
type ListResponse struct {
	Schemas      []string `json:"schemas"`
	TotalResults int      `json:"totalResults"`
	ItemsPerPage int      `json:"itemsPerPage"`
	StartIndex   int      `json:"startIndex"`
	Resources    []User   `json:"Resources"`
}

// groupToPersonType maps web-app user group handles to the IdP person type.
// Unknown handles map to private_person.
var groupToPersonType = map[string]string{
	"employee":     "employee",
	"teacher":      "teacher",
	"parent":       "parent",
	"student":      "student",
	"pupilUnder14": "pupil_under_14",
	"pupilFrom14":  "pupil_over_14",
}

// PersonTypeForGroup returns the IdP person type for a user group handle.
func PersonTypeForGroup(handle string) string {
	if pt, ok := groupToPersonType[handle]; ok {
		return pt
	}
	return "private_person"
}

// GroupForPersonType returns the user group handle for an IdP person type.
// Unknown types map to the private group.
func GroupForPersonType(personType string) string {
	for handle, pt := range groupToPersonType {
		if pt == personType {
			return handle
		}
	}
	return "private"
}

// NewRegistrationUser builds the minimal create payload for a self-registered
// user: core schema only, email doubling as the user name, and the extension
// marking where the account originated.
func NewRegistrationUser(email, password string) *User {
	return &User{
		Schemas:  []string{UserSchema},
		UserName: email,
		Password: password,
		Emails:   []Email{{Value: email}},
		Extension: &ExtensionAttributes{
			ExtSystem:   "portal",
			PersonTypes: []string{"private_person"},
		},
	}
}
