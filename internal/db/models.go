package db

import (
	"time"

	"gorm.io/datatypes"
)

// User maps users. Rows are owned by the account service; this service only
// flips activation and merge markers.
type User struct {
	ID                string     `gorm:"column:id;type:uuid;primaryKey;default:gen_random_uuid()"`
	Name              string     `gorm:"column:name;type:text;not null"`
	Email             string     `gorm:"column:email;type:text;not null;index"`
	Phone             *string    `gorm:"column:phone;type:text"`
	CitizenshipNumber *string    `gorm:"column:citizenship_number;type:text;index"`
	Role              string     `gorm:"column:role;type:text;not null;default:renter"`
	IsActive          bool       `gorm:"column:is_active;type:boolean;not null;default:true"`
	MergeStatus       string     `gorm:"column:merge_status;type:text;not null;default:''"`
	MergedIntoUserID  *string    `gorm:"column:merged_into_user_id;type:uuid"`
	MergedAt          *time.Time `gorm:"column:merged_at;type:timestamptz"`
	LastLoginAt       *time.Time `gorm:"column:last_login_at;type:timestamptz"`
	CreatedAt         time.Time  `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt         time.Time  `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (User) TableName() string { return "users" }

// Property maps properties.
type Property struct {
	ID        string    `gorm:"column:id;type:uuid;primaryKey;default:gen_random_uuid()"`
	OwnerID   string    `gorm:"column:owner_id;type:uuid;not null;index"`
	Title     string    `gorm:"column:title;type:text;not null"`
	Location  string    `gorm:"column:location;type:text;not null;default:''"`
	CreatedAt time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt time.Time `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (Property) TableName() string { return "properties" }

// Booking maps bookings.
type Booking struct {
	ID         string    `gorm:"column:id;type:uuid;primaryKey;default:gen_random_uuid()"`
	PropertyID string    `gorm:"column:property_id;type:uuid;not null;index"`
	RenterID   string    `gorm:"column:renter_id;type:uuid;not null;index"`
	Status     string    `gorm:"column:status;type:text;not null;default:pending"`
	StartDate  time.Time `gorm:"column:start_date;type:timestamptz;not null"`
	EndDate    time.Time `gorm:"column:end_date;type:timestamptz;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (Booking) TableName() string { return "bookings" }

// Payment maps payments.
type Payment struct {
	ID          string    `gorm:"column:id;type:uuid;primaryKey;default:gen_random_uuid()"`
	BookingID   *string   `gorm:"column:booking_id;type:uuid;index"`
	RenterID    string    `gorm:"column:renter_id;type:uuid;not null;index"`
	Status      string    `gorm:"column:status;type:text;not null;default:pending"`
	AmountMinor int64     `gorm:"column:amount_minor;type:bigint;not null;default:0"`
	CreatedAt   time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (Payment) TableName() string { return "payments" }

// Message maps messages.
type Message struct {
	ID         string    `gorm:"column:id;type:uuid;primaryKey;default:gen_random_uuid()"`
	SenderID   string    `gorm:"column:sender_id;type:uuid;not null;index"`
	ReceiverID string    `gorm:"column:receiver_id;type:uuid;not null;index"`
	Body       string    `gorm:"column:body;type:text;not null;default:''"`
	CreatedAt  time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (Message) TableName() string { return "messages" }

// KYCDocument maps kyc_documents.
type KYCDocument struct {
	ID                string    `gorm:"column:id;type:uuid;primaryKey;default:gen_random_uuid()"`
	UserID            string    `gorm:"column:user_id;type:uuid;not null;index"`
	DocumentHash      *string   `gorm:"column:document_hash;type:text;index"`
	CitizenshipNumber *string   `gorm:"column:citizenship_number;type:text"`
	Status            string    `gorm:"column:status;type:text;not null;default:pending"`
	PublicID          *string   `gorm:"column:public_id;type:text"`
	ImageURL          *string   `gorm:"column:image_url;type:text"`
	CreatedAt         time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (KYCDocument) TableName() string { return "kyc_documents" }

// Favorite maps favorites.
type Favorite struct {
	ID         string    `gorm:"column:id;type:uuid;primaryKey;default:gen_random_uuid()"`
	UserID     string    `gorm:"column:user_id;type:uuid;not null;index"`
	PropertyID string    `gorm:"column:property_id;type:uuid;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (Favorite) TableName() string { return "favorites" }

// DuplicateCase maps duplicate_cases. One row per (entity_type, key).
type DuplicateCase struct {
	ID         string         `gorm:"column:id;type:uuid;primaryKey;default:gen_random_uuid()"`
	EntityType string         `gorm:"column:entity_type;type:text;not null;uniqueIndex:duplicate_cases_entity_key_uq,priority:1"`
	Key        string         `gorm:"column:key;type:text;not null;uniqueIndex:duplicate_cases_entity_key_uq,priority:2"`
	Reason     string         `gorm:"column:reason;type:text;not null;default:''"`
	Confidence int            `gorm:"column:confidence;type:smallint;not null;default:0"`
	Signals    datatypes.JSON `gorm:"column:signals;type:jsonb;not null"`
	Primary    datatypes.JSON `gorm:"column:primary_record;type:jsonb"`
	Duplicates datatypes.JSON `gorm:"column:duplicate_records;type:jsonb"`
	Status     string         `gorm:"column:status;type:text;not null;default:new;index"`
	Assignee   *string        `gorm:"column:assignee;type:text"`
	Notes      string         `gorm:"column:notes;type:text;not null;default:''"`
	CreatedAt  time.Time      `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt  time.Time      `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (DuplicateCase) TableName() string { return "duplicate_cases" }

// DuplicateMergeOperation maps duplicate_merge_operations.
type DuplicateMergeOperation struct {
	ID                string         `gorm:"column:id;type:uuid;primaryKey;default:gen_random_uuid()"`
	SourceUserID      string         `gorm:"column:source_user_id;type:uuid;not null;index"`
	TargetUserID      string         `gorm:"column:target_user_id;type:uuid;not null;index"`
	DuplicateCaseID   *string        `gorm:"column:duplicate_case_id;type:uuid"`
	SuggestionKey     *string        `gorm:"column:suggestion_key;type:text"`
	PerformedBy       string         `gorm:"column:performed_by;type:text;not null"`
	Note              string         `gorm:"column:note;type:text;not null;default:''"`
	Status            string         `gorm:"column:status;type:text;not null;default:completed"`
	RollbackExpiresAt time.Time      `gorm:"column:rollback_expires_at;type:timestamptz;not null"`
	RolledBackAt      *time.Time     `gorm:"column:rolled_back_at;type:timestamptz"`
	RolledBackBy      *string        `gorm:"column:rolled_back_by;type:text"`
	SourceSnapshot    datatypes.JSON `gorm:"column:source_snapshot;type:jsonb;not null"`
	TargetSnapshot    datatypes.JSON `gorm:"column:target_snapshot;type:jsonb;not null"`
	MovedRefs         datatypes.JSON `gorm:"column:moved_refs;type:jsonb;not null"`
	MovedDocPublicIDs datatypes.JSON `gorm:"column:moved_doc_public_ids;type:jsonb;not null"`
	MovedDocImageURLs datatypes.JSON `gorm:"column:moved_doc_image_urls;type:jsonb;not null"`
	PartialFailure    *string        `gorm:"column:partial_failure;type:text"`
	CreatedAt         time.Time      `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (DuplicateMergeOperation) TableName() string { return "duplicate_merge_operations" }

func autoMigrateModels() []any {
	return []any{
		&User{},
		&Property{},
		&Booking{},
		&Payment{},
		&Message{},
		&KYCDocument{},
		&Favorite{},
		&DuplicateCase{},
		&DuplicateMergeOperation{},
	}
}
